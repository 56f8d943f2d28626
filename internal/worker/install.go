package worker

import (
	"context"
	"fmt"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/upstream"
)

// Install 清空 staging 桶后，以绕过缓存的方式预取全部 shell 资源写入其中。
// 任意资源失败则安装失败，content 桶不会被触碰。
func (w *Worker) Install(ctx context.Context) error {
	w.host.SkipWaiting()

	// staging 可能残留失败版本写入的一部分条目
	if _, err := w.storage.Delete(ctx, w.buckets.Staging); err != nil {
		return fmt.Errorf("clear staging cache: %w", err)
	}
	staging, err := w.storage.Open(ctx, w.buckets.Staging)
	if err != nil {
		return fmt.Errorf("open staging cache: %w", err)
	}

	reqs := make([]cache.Request, len(w.shell))
	for i, key := range w.shell {
		reqs[i] = w.requestFor(key)
	}

	resps, err := w.fetchAll(ctx, reqs, upstream.ModeReload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShellFetch, err)
	}
	if err := putAll(ctx, staging, reqs, resps); err != nil {
		return err
	}

	fields := w.fields()
	fields["action"] = "install"
	fields["shell"] = len(reqs)
	w.logger.WithFields(fields).Info("shell 预取完成")
	return nil
}
