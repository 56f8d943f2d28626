package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/upstream"
)

// Command 是宿主发送给 worker 的控制命令。
type Command string

const (
	// CommandSkipWaiting 立即激活处于等待状态的 worker。
	CommandSkipWaiting Command = "skipWaiting"
	// CommandDownloadOffline 拉取 content 中缺失的全部清单资源。
	CommandDownloadOffline Command = "downloadOffline"
)

// ErrUnknownCommand 表示无法识别的消息命令。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand 校验命令字符串，大小写敏感。
func ParseCommand(raw string) (Command, error) {
	switch cmd := Command(strings.TrimSpace(raw)); cmd {
	case CommandSkipWaiting, CommandDownloadOffline:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, raw)
	}
}

// MessageResult 汇总命令执行结果；Fetched 只对 downloadOffline 有意义。
type MessageResult struct {
	Command Command  `json:"command"`
	Fetched int      `json:"fetched"`
	Keys    []string `json:"keys,omitempty"`
}

// Message 处理单条控制命令。
func (w *Worker) Message(ctx context.Context, cmd Command) (MessageResult, error) {
	switch cmd {
	case CommandSkipWaiting:
		w.host.SkipWaiting()
		return MessageResult{Command: cmd}, nil
	case CommandDownloadOffline:
		keys, err := w.downloadOffline(ctx)
		if err != nil {
			return MessageResult{Command: cmd}, err
		}
		return MessageResult{Command: cmd, Fetched: len(keys), Keys: keys}, nil
	default:
		return MessageResult{}, fmt.Errorf("%w: %q", ErrUnknownCommand, string(cmd))
	}
}

// downloadOffline 计算清单中 content 尚未缓存的键并整体拉取；任一失败则全部不写入。
func (w *Worker) downloadOffline(ctx context.Context) ([]string, error) {
	content, err := w.storage.Open(ctx, w.buckets.Content)
	if err != nil {
		return nil, fmt.Errorf("open content cache: %w", err)
	}
	cached, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list content cache: %w", err)
	}

	present := make(map[string]struct{}, len(cached))
	for _, req := range cached {
		present[w.KeyFor(req.URL)] = struct{}{}
	}

	var missing []string
	for _, key := range w.manifest.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	reqs := make([]cache.Request, len(missing))
	for i, key := range missing {
		reqs[i] = w.requestFor(key)
	}
	resps, err := w.fetchAll(ctx, reqs, upstream.ModeDefault)
	if err != nil {
		return nil, fmt.Errorf("download offline: %w", err)
	}
	if err := putAll(ctx, content, reqs, resps); err != nil {
		return nil, err
	}

	fields := w.fields()
	fields["action"] = "download_offline"
	fields["fetched"] = len(missing)
	w.logger.WithFields(fields).Info("离线资源补齐完成")
	return missing, nil
}
