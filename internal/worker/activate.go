package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/manifest"
)

// ActivationMode 描述一次激活走了哪条路径。
type ActivationMode string

const (
	// ActivationFresh 没有历史清单：content 被清空后以 staging 重建。
	ActivationFresh ActivationMode = "fresh"
	// ActivationUpgrade 存在历史清单：只淘汰校验和变化或已移除的条目。
	ActivationUpgrade ActivationMode = "upgrade"
	// ActivationReset 激活过程出错：三个桶全部删除，等待按需重新填充。
	ActivationReset ActivationMode = "reset"
)

// ActivationReport 汇总一次激活的结果。
type ActivationReport struct {
	Mode   ActivationMode `json:"mode"`
	Pruned []string       `json:"pruned,omitempty"`
	Copied int            `json:"copied"`
	Error  string         `json:"error,omitempty"`
}

// Activate 将 staging 合并进 content，并记录当前清单供下次升级比对。
//
// 任何错误都视为缓存损坏：删除 content、staging 与清单桶并记录日志，
// 错误不会返回给调用方，worker 以空缓存继续服务。
func (w *Worker) Activate(ctx context.Context) ActivationReport {
	report, err := w.activate(ctx)
	if err == nil {
		fields := w.fields()
		fields["action"] = "activate"
		fields["mode"] = report.Mode
		fields["pruned"] = len(report.Pruned)
		fields["copied"] = report.Copied
		w.logger.WithFields(fields).Info("worker 激活完成")
		return report
	}

	fields := w.fields()
	fields["action"] = "activate"
	w.logger.WithFields(fields).WithError(err).Error("worker 激活失败，重置全部缓存")
	w.reset(ctx)
	return ActivationReport{Mode: ActivationReset, Error: err.Error()}
}

func (w *Worker) activate(ctx context.Context) (ActivationReport, error) {
	content, err := w.storage.Open(ctx, w.buckets.Content)
	if err != nil {
		return ActivationReport{}, fmt.Errorf("open content cache: %w", err)
	}
	staging, err := w.storage.Open(ctx, w.buckets.Staging)
	if err != nil {
		return ActivationReport{}, fmt.Errorf("open staging cache: %w", err)
	}
	manifestStore, err := w.storage.Open(ctx, w.buckets.Manifest)
	if err != nil {
		return ActivationReport{}, fmt.Errorf("open manifest cache: %w", err)
	}

	previous, err := manifestStore.Match(ctx, w.manifestRequest())
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return ActivationReport{}, fmt.Errorf("read previous manifest: %w", err)
	}

	report := ActivationReport{Mode: ActivationUpgrade}
	if previous == nil {
		report.Mode = ActivationFresh
		if _, err := w.storage.Delete(ctx, w.buckets.Content); err != nil {
			return ActivationReport{}, fmt.Errorf("clear content cache: %w", err)
		}
		if content, err = w.storage.Open(ctx, w.buckets.Content); err != nil {
			return ActivationReport{}, fmt.Errorf("reopen content cache: %w", err)
		}
	} else {
		old, err := manifest.Parse(previous.Body)
		if err != nil {
			return ActivationReport{}, fmt.Errorf("previous manifest: %w", err)
		}
		if report.Pruned, err = w.prune(ctx, content, old); err != nil {
			return ActivationReport{}, err
		}
	}

	if report.Copied, err = copyBucket(ctx, staging, content); err != nil {
		return ActivationReport{}, err
	}
	if _, err := w.storage.Delete(ctx, w.buckets.Staging); err != nil {
		return ActivationReport{}, fmt.Errorf("delete staging cache: %w", err)
	}
	if err := w.saveManifest(ctx, manifestStore); err != nil {
		return ActivationReport{}, err
	}
	w.host.ClaimClients()
	return report, nil
}

// prune 删除当前清单中已不存在、或校验和与旧清单不同的条目；未变化的条目原样保留。
func (w *Worker) prune(ctx context.Context, content cache.Bucket, old manifest.Manifest) ([]string, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list content cache: %w", err)
	}
	var pruned []string
	for _, req := range keys {
		key := w.KeyFor(req.URL)
		current, ok := w.manifest[key]
		if ok && current == old[key] {
			continue
		}
		if _, err := content.Delete(ctx, req); err != nil {
			return nil, fmt.Errorf("prune %s: %w", req.URL, err)
		}
		pruned = append(pruned, key)
	}
	return pruned, nil
}

func copyBucket(ctx context.Context, from, to cache.Bucket) (int, error) {
	keys, err := from.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", from.Name(), err)
	}
	for _, req := range keys {
		resp, err := from.Match(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("read %s from %s: %w", req.URL, from.Name(), err)
		}
		if err := to.Put(ctx, req, resp); err != nil {
			return 0, fmt.Errorf("copy %s to %s: %w", req.URL, to.Name(), err)
		}
	}
	return len(keys), nil
}

func (w *Worker) saveManifest(ctx context.Context, store cache.Bucket) error {
	encoded, err := manifest.Encode(w.manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	resp := &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   encoded,
	}
	if err := store.Put(ctx, w.manifestRequest(), resp); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// reset 删除三个桶；激活已经失败，这里的错误只记录不返回。
func (w *Worker) reset(ctx context.Context) {
	for _, name := range []string{w.buckets.Content, w.buckets.Staging, w.buckets.Manifest} {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			fields := w.fields()
			fields["action"] = "reset"
			fields["bucket"] = name
			w.logger.WithFields(fields).WithError(err).Warn("cache_delete_failed")
		}
	}
}
