package worker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/manifest"
	"github.com/offline-hub/offline-hub/internal/upstream"
)

// Source 表示响应来自缓存还是网络。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// FetchResult 是一次拦截的结果。Handled 为 false 时调用方应自行走默认网络处理。
type FetchResult struct {
	Handled  bool
	Key      string
	Source   Source
	Response *cache.Response
}

// Fetch 只拦截清单内资源的 GET 请求：根键 online-first，其余 cache-first。
// 回源使用原始请求；缓存条目统一以清单键对应的规范 URL 存取，
// 因此 "?v=" 后缀与片段路由命中同一条目。
func (w *Worker) Fetch(ctx context.Context, req cache.Request) (FetchResult, error) {
	if !isGet(req.Method) {
		return FetchResult{}, nil
	}
	key := w.KeyFor(req.URL)
	if !w.manifest.Has(key) {
		return FetchResult{}, nil
	}
	if key == manifest.RootKey {
		return w.onlineFirst(ctx, key, req)
	}
	return w.cacheFirst(ctx, key, req)
}

// onlineFirst 优先回源并写入缓存；仅在网络失败时退回缓存，缓存也没有则返回原始错误。
func (w *Worker) onlineFirst(ctx context.Context, key string, req cache.Request) (FetchResult, error) {
	result := FetchResult{Handled: true, Key: key}

	resp, netErr := w.network.Fetch(ctx, req, upstream.ModeDefault)
	if netErr == nil {
		if content := w.openContent(ctx, key); content != nil {
			w.store(ctx, content, key, resp)
		}
		result.Source = SourceNetwork
		result.Response = resp
		return result, nil
	}

	if content := w.openContent(ctx, key); content != nil {
		if cached := w.match(ctx, content, key); cached != nil {
			w.logger.WithFields(w.fetchFields(key, SourceCache, true)).
				WithError(netErr).Warn("network_failed_serving_cache")
			result.Source = SourceCache
			result.Response = cached
			return result, nil
		}
	}
	return result, netErr
}

// cacheFirst 命中缓存直接返回；未命中时回源，仅 2xx 响应写入缓存。
func (w *Worker) cacheFirst(ctx context.Context, key string, req cache.Request) (FetchResult, error) {
	result := FetchResult{Handled: true, Key: key}

	content := w.openContent(ctx, key)
	if content != nil {
		if cached := w.match(ctx, content, key); cached != nil {
			result.Source = SourceCache
			result.Response = cached
			return result, nil
		}
	}

	resp, err := w.network.Fetch(ctx, req, upstream.ModeDefault)
	if err != nil {
		return result, err
	}
	if resp.OK() && content != nil {
		w.store(ctx, content, key, resp)
	}
	result.Source = SourceNetwork
	result.Response = resp
	return result, nil
}

// openContent 打开失败时记录日志并返回 nil，调用方退化为纯网络。
func (w *Worker) openContent(ctx context.Context, key string) cache.Bucket {
	content, err := w.storage.Open(ctx, w.buckets.Content)
	if err != nil {
		w.logger.WithFields(w.fetchFields(key, "", false)).WithError(err).Warn("cache_open_failed")
		return nil
	}
	return content
}

// match 把读错误当作未命中处理。
func (w *Worker) match(ctx context.Context, content cache.Bucket, key string) *cache.Response {
	cached, err := content.Match(ctx, w.requestFor(key))
	switch {
	case err == nil:
		return cached
	case errors.Is(err, cache.ErrNotFound):
		// miss
	default:
		w.logger.WithFields(w.fetchFields(key, "", false)).WithError(err).Warn("cache_get_failed")
	}
	return nil
}

func (w *Worker) store(ctx context.Context, content cache.Bucket, key string, resp *cache.Response) {
	if err := content.Put(ctx, w.requestFor(key), resp.Clone()); err != nil {
		w.logger.WithFields(w.fetchFields(key, SourceNetwork, false)).WithError(err).Warn("cache_put_failed")
	}
}

func (w *Worker) fetchFields(key string, source Source, hit bool) logrus.Fields {
	fields := logging.FetchFields(w.site, key, string(source), hit)
	fields["version"] = w.version
	return fields
}
