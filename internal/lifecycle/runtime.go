package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/manifest"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// State 是单个 worker 版本的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrNoActiveWorker 表示站点尚无已激活的 worker。
var ErrNoActiveWorker = errors.New("no active worker")

// Options 描述一个站点运行时的依赖。
type Options struct {
	Site        string
	Origin      string
	Buckets     worker.Buckets
	Storage     cache.Storage
	Network     worker.Network
	Logger      *logrus.Logger
	Concurrency int
}

// Runtime 持有站点的 active/waiting worker，并串行化注册与激活。
type Runtime struct {
	opts Options

	// registerMu 串行化 Register 与 skipWaiting 触发的提升。
	registerMu sync.Mutex

	mu             sync.RWMutex
	active         *registration
	waiting        *registration
	lastActivation *worker.ActivationReport
}

// registration 是单个 worker 版本在宿主侧的句柄，同时实现 worker.Host。
type registration struct {
	worker *worker.Worker

	mu      sync.Mutex
	state   State
	skip    bool
	claimed bool
}

func (r *registration) SkipWaiting() {
	r.mu.Lock()
	r.skip = true
	r.mu.Unlock()
}

func (r *registration) ClaimClients() {
	r.mu.Lock()
	r.claimed = true
	r.mu.Unlock()
}

func (r *registration) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *registration) skipRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skip
}

func (r *registration) status() *WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &WorkerStatus{
		Version:      r.worker.Version(),
		State:        r.state,
		Claimed:      r.claimed,
		ManifestSize: len(r.worker.Manifest()),
	}
}

// New 校验依赖并创建站点运行时，此时还没有任何 worker。
func New(opts Options) (*Runtime, error) {
	if opts.Site == "" {
		return nil, errors.New("site name is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Runtime{opts: opts}, nil
}

// Site 返回站点名称。
func (r *Runtime) Site() string {
	return r.opts.Site
}

// Register 为给定清单与 shell 注册一个 worker 版本并完成安装；
// 版本与当前 active 相同则什么也不做。安装失败时新版本作废，原 active 继续服务。
func (r *Runtime) Register(ctx context.Context, m manifest.Manifest, shell manifest.Shell) error {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	version, err := manifest.Version(m, shell)
	if err != nil {
		return fmt.Errorf("compute version: %w", err)
	}
	r.mu.RLock()
	activeVersion, waitingVersion := r.versionOf(r.active), r.versionOf(r.waiting)
	r.mu.RUnlock()
	if version == activeVersion || version == waitingVersion {
		r.opts.Logger.WithFields(r.fields(version, "register")).Debug("版本未变化，跳过注册")
		return nil
	}

	reg := &registration{state: StateInstalling}
	w, err := worker.New(worker.Options{
		Site:        r.opts.Site,
		Version:     version,
		Origin:      r.opts.Origin,
		Manifest:    m,
		Shell:       shell,
		Buckets:     r.opts.Buckets,
		Storage:     r.opts.Storage,
		Network:     r.opts.Network,
		Host:        reg,
		Logger:      r.opts.Logger,
		Concurrency: r.opts.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("site %s: %w", r.opts.Site, err)
	}
	reg.worker = w

	if err := w.Install(ctx); err != nil {
		reg.setState(StateRedundant)
		r.opts.Logger.WithFields(r.fields(version, "install")).WithError(err).Error("worker 安装失败")
		return fmt.Errorf("site %s install: %w", r.opts.Site, err)
	}
	reg.setState(StateInstalled)
	r.settle(ctx, reg)
	return nil
}

// settle 决定刚安装完成的版本是立即激活还是进入等待。
func (r *Runtime) settle(ctx context.Context, reg *registration) {
	r.mu.Lock()
	if r.waiting != nil && r.waiting != reg {
		r.waiting.setState(StateRedundant)
		r.waiting = nil
	}
	hasActive := r.active != nil
	if hasActive && !reg.skipRequested() {
		r.waiting = reg
		r.mu.Unlock()
		r.opts.Logger.WithFields(r.fields(reg.worker.Version(), "install")).Info("worker 等待激活")
		return
	}
	r.mu.Unlock()
	r.activate(ctx, reg)
}

// activate 持有写锁完成激活，激活结束前 Fetch 不会分派到任何版本。
func (r *Runtime) activate(ctx context.Context, reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg.setState(StateActivating)
	report := reg.worker.Activate(ctx)
	reg.setState(StateActivated)

	if r.active != nil && r.active != reg {
		r.active.setState(StateRedundant)
	}
	r.active = reg
	if r.waiting == reg {
		r.waiting = nil
	}
	r.lastActivation = &report
}

// Fetch 把请求分派给 active worker；没有 active worker 时不拦截。
func (r *Runtime) Fetch(ctx context.Context, req cache.Request) (worker.FetchResult, error) {
	active := r.current()
	if active == nil {
		return worker.FetchResult{}, nil
	}
	return active.worker.Fetch(ctx, req)
}

// PostMessage 投递控制命令：skipWaiting 优先交给等待中的版本并立即提升，
// 其余命令交给 active worker。
func (r *Runtime) PostMessage(ctx context.Context, cmd worker.Command) (worker.MessageResult, error) {
	if cmd == worker.CommandSkipWaiting {
		r.registerMu.Lock()
		defer r.registerMu.Unlock()

		r.mu.RLock()
		waiting := r.waiting
		r.mu.RUnlock()
		if waiting != nil {
			result, err := waiting.worker.Message(ctx, cmd)
			if err != nil {
				return result, err
			}
			r.activate(ctx, waiting)
			return result, nil
		}
	}

	active := r.current()
	if active == nil {
		return worker.MessageResult{}, ErrNoActiveWorker
	}
	return active.worker.Message(ctx, cmd)
}

// WorkerStatus 是单个版本的状态快照。
type WorkerStatus struct {
	Version      string `json:"version"`
	State        State  `json:"state"`
	Claimed      bool   `json:"claimed"`
	ManifestSize int    `json:"manifest_size"`
}

// Status 是站点运行时的状态快照。
type Status struct {
	Site           string                   `json:"site"`
	Origin         string                   `json:"origin"`
	Active         *WorkerStatus            `json:"active,omitempty"`
	Waiting        *WorkerStatus            `json:"waiting,omitempty"`
	LastActivation *worker.ActivationReport `json:"last_activation,omitempty"`
}

// Status 返回当前快照，可与请求处理并发调用。
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{Site: r.opts.Site, Origin: r.opts.Origin}
	if r.active != nil {
		status.Active = r.active.status()
	}
	if r.waiting != nil {
		status.Waiting = r.waiting.status()
	}
	if r.lastActivation != nil {
		report := *r.lastActivation
		status.LastActivation = &report
	}
	return status
}

func (r *Runtime) current() *registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Runtime) versionOf(reg *registration) string {
	if reg == nil {
		return ""
	}
	return reg.worker.Version()
}

func (r *Runtime) fields(version, action string) logrus.Fields {
	fields := logging.WorkerFields(r.opts.Site, r.opts.Origin, version)
	fields["action"] = action
	return fields
}
