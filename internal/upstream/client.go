package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// Mode 对应 fetch 的 cache 选项。
type Mode int

const (
	// ModeDefault 普通网络请求。
	ModeDefault Mode = iota
	// ModeReload 绕过中间缓存，强制回源（安装阶段预取 shell 使用）。
	ModeReload
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 是所有站点共享的上游访问入口：Fetch 供 worker 使用，Forward 供透传使用。
type Client struct {
	http *http.Client
}

// NewHTTPClient 返回共享 http.Client，timeout <= 0 时使用 30s。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// NewClient 包装 http.Client；传入 nil 时使用默认配置。
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{http: httpClient}
}

// Fetch 发起请求并完整读取正文。只有传输层错误返回 error，非 2xx 以响应形式返回。
func (c *Client) Fetch(ctx context.Context, req cache.Request, mode Mode) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	if mode == ModeReload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// Forward 透传未被拦截的请求，调用方负责关闭返回的 Body。
func (c *Client) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.http.Do(req.WithContext(ctx))
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
