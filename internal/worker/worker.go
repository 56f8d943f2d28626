package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/manifest"
	"github.com/offline-hub/offline-hub/internal/upstream"
)

// Network 是 worker 使用的网络原语，upstream.Client 实现了它。
type Network interface {
	Fetch(ctx context.Context, req cache.Request, mode upstream.Mode) (*cache.Response, error)
}

// Host 是宿主运行时暴露给 worker 的控制接口。
type Host interface {
	// SkipWaiting 请求宿主跳过等待期，尽快激活当前 worker。
	SkipWaiting()
	// ClaimClients 请求宿主让当前 worker 立即接管已打开的客户端。
	ClaimClients()
}

// Buckets 是三个缓存桶的名称。
type Buckets struct {
	Staging  string
	Content  string
	Manifest string
}

// Options 汇总构造 Worker 所需的全部依赖，没有任何进程级单例。
type Options struct {
	Site        string
	Version     string
	Origin      string
	Manifest    manifest.Manifest
	Shell       manifest.Shell
	Buckets     Buckets
	Storage     cache.Storage
	Network     Network
	Host        Host
	Logger      *logrus.Logger
	Concurrency int
}

// Worker 是单个站点版本的离线缓存管理器，自身无可变状态，可被并发调用。
type Worker struct {
	site        string
	version     string
	origin      string
	manifest    manifest.Manifest
	shell       manifest.Shell
	buckets     Buckets
	storage     cache.Storage
	network     Network
	host        Host
	logger      *logrus.Logger
	concurrency int
}

var (
	// ErrShellFetch 表示安装阶段有 shell 资源未能取回。
	ErrShellFetch = errors.New("shell fetch failed")
	// ErrBadStatus 表示批量预取中出现非 2xx 响应。
	ErrBadStatus = errors.New("unexpected response status")
)

// manifestEntryPath 是清单桶中唯一条目的路径。
const manifestEntryPath = "manifest"

// New 校验依赖并构造 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Host == nil {
		return nil, errors.New("host is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	origin := strings.TrimRight(opts.Origin, "/")
	if origin == "" {
		return nil, errors.New("origin is required")
	}
	if opts.Buckets.Staging == "" || opts.Buckets.Content == "" || opts.Buckets.Manifest == "" {
		return nil, errors.New("bucket names are required")
	}
	if err := opts.Manifest.Validate(opts.Shell); err != nil {
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	return &Worker{
		site:        opts.Site,
		version:     opts.Version,
		origin:      origin,
		manifest:    opts.Manifest,
		shell:       opts.Shell,
		buckets:     opts.Buckets,
		storage:     opts.Storage,
		network:     opts.Network,
		host:        opts.Host,
		logger:      opts.Logger,
		concurrency: concurrency,
	}, nil
}

// Version 返回 worker 版本标识。
func (w *Worker) Version() string {
	return w.version
}

// Manifest 返回该版本的资源清单。
func (w *Worker) Manifest() manifest.Manifest {
	return w.manifest
}

// Origin 返回缓存键计算所基于的 origin。
func (w *Worker) Origin() string {
	return w.origin
}

// KeyFor 使用 worker 的 origin 计算请求 URL 的缓存查找键。
func (w *Worker) KeyFor(rawURL string) string {
	return KeyFor(w.origin, rawURL)
}

// KeyFor 去掉 origin 前缀，截断 "?v=" 版本后缀；URL 等于 origin、以 origin+"/#" 开头
// 或结果为空时归一为 "/"。
func KeyFor(origin, rawURL string) string {
	key := rawURL
	if strings.HasPrefix(rawURL, origin+"/") {
		key = rawURL[len(origin)+1:]
	} else if rawURL == origin {
		key = ""
	}
	if idx := strings.Index(key, "?v="); idx != -1 {
		key = key[:idx]
	}
	if rawURL == origin || strings.HasPrefix(rawURL, origin+"/#") || key == "" {
		key = manifest.RootKey
	}
	return key
}

// URLFor 是 KeyFor 的逆运算，用于根据清单键构造回源 URL。
func URLFor(origin, key string) string {
	if key == manifest.RootKey {
		return origin + "/"
	}
	return origin + "/" + key
}

func (w *Worker) requestFor(key string) cache.Request {
	return cache.NewRequest(URLFor(w.origin, key))
}

func (w *Worker) manifestRequest() cache.Request {
	return cache.NewRequest(w.origin + "/" + manifestEntryPath)
}

func (w *Worker) fields() logrus.Fields {
	return logging.WorkerFields(w.site, w.origin, w.version)
}

// fetchAll 并发取回所有请求，语义同 Cache.addAll：任意一个失败或非 2xx 则整体失败。
func (w *Worker) fetchAll(ctx context.Context, reqs []cache.Request, mode upstream.Mode) ([]*cache.Response, error) {
	results := make([]*cache.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := w.network.Fetch(gctx, req, mode)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return fmt.Errorf("%s: %w: %d", req.URL, ErrBadStatus, resp.Status)
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// putAll 依次写入，fetchAll 全部成功后才调用，避免留下部分状态。
func putAll(ctx context.Context, bucket cache.Bucket, reqs []cache.Request, resps []*cache.Response) error {
	for i, req := range reqs {
		if err := bucket.Put(ctx, req, resps[i]); err != nil {
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
	}
	return nil
}

func isGet(method string) bool {
	return method == http.MethodGet
}
