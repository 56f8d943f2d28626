package manifest

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher 监听清单文件的重新部署，去抖后以站点名回调 onChange。
// 监听的是文件所在目录，以兼容"写临时文件再 rename"的发布方式。
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *logrus.Logger
	onChange func(site string)
	debounce time.Duration

	mu      sync.Mutex
	targets map[string][]string
	timers  map[string]*time.Timer
}

// NewWatcher 创建 Watcher；targets 为 站点名 → 清单路径，多个站点可共用同一文件。
func NewWatcher(targets map[string]string, onChange func(site string), logger *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		logger:   logger,
		onChange: onChange,
		debounce: defaultDebounce,
		targets:  make(map[string][]string, len(targets)),
		timers:   make(map[string]*time.Timer),
	}

	dirs := map[string]struct{}{}
	for site, path := range targets {
		abs, err := filepath.Abs(path)
		if err != nil {
			_ = fw.Close()
			return nil, err
		}
		key := filepath.Clean(abs)
		w.targets[key] = append(w.targets[key], site)
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for _, sites := range w.targets {
		sort.Strings(sites)
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run 阻塞处理事件，直到 ctx 结束或底层 watcher 关闭。
func (w *Watcher) Run(ctx context.Context) {
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			for _, site := range w.targets[filepath.Clean(event.Name)] {
				w.schedule(site)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.WithError(err).WithField("action", "manifest_watch").Warn("watcher error")
			}
		}
	}
}

// Close 释放底层 fsnotify 资源。
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) schedule(site string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[site]; ok {
		timer.Stop()
	}
	w.timers[site] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, site)
		w.mu.Unlock()
		w.onChange(site)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for site, timer := range w.timers {
		timer.Stop()
		delete(w.timers, site)
	}
}
