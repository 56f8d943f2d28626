package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 按名称管理缓存桶，语义对齐浏览器 CacheStorage：Open 不存在时创建。
type Storage interface {
	// Open 打开（必要时创建）名为 name 的缓存桶。
	Open(ctx context.Context, name string) (Bucket, error)

	// Delete 删除整个缓存桶，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Has 报告缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	Close() error
}

// Bucket 是以请求身份（method + URL）为键的响应缓存。
type Bucket interface {
	Name() string

	// Match 返回缓存的响应，不存在时返回 ErrNotFound。
	Match(ctx context.Context, req Request) (*Response, error)

	// Put 覆盖写入，同一键的并发写入由实现串行化。
	Put(ctx context.Context, req Request, resp *Response) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, req Request) (bool, error)

	// Keys 枚举当前所有条目的请求，按 URL 排序。
	Keys(ctx context.Context) ([]Request, error)
}

// Options 控制条目编码。
type Options struct {
	// Compress 为 true 时，正文长度达到 CompressThreshold 的条目使用 zstd 压缩。
	Compress          bool
	CompressThreshold int
}

// Request 是缓存键：请求方法 + 完整 URL。
type Request struct {
	Method string
	URL    string
}

// NewRequest 构造 GET 请求键。
func NewRequest(url string) Request {
	return Request{Method: http.MethodGet, URL: url}
}

// Identity 返回规范化后的键字符串，例如 "GET https://app/main.js"。
func (r Request) Identity() string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + r.URL
}

// Response 是完整缓冲的响应。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK 对应 fetch 语义里的 response.ok：2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，写入缓存与返回调用方的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return clone
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidBucketName 表示桶名为空或包含路径分隔符。
var ErrInvalidBucketName = errors.New("invalid cache bucket name")

func validateBucketName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ErrInvalidBucketName
	}
	return nil
}
