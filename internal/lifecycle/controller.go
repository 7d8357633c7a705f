package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/diag"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// ErrNotInstalled 表示在没有已安装代际的情况下调用了 Activate。
var ErrNotInstalled = errors.New("no installed generation to activate")

// ControllerOptions 汇总控制器依赖。
type ControllerOptions struct {
	Storage   cache.Storage
	Populator *Populator
	Reaper    *Reaper
	Logger    *logrus.Logger
	Sink      diag.Sink
	Metrics   *metrics.Recorder
}

// Controller 串行执行 install → activate → claim，并以原子指针发布当前代际。
// 请求路径只读 active，不持有 mu。
type Controller struct {
	storage   cache.Storage
	populator *Populator
	reaper    *Reaper
	logger    *logrus.Logger
	sink      diag.Sink
	metrics   *metrics.Recorder

	// mu 串行化生命周期迁移；statusMu 只保护下面几个状态字段，Status 不会被长时间的预热阻塞。
	mu       sync.Mutex
	statusMu sync.RWMutex
	incoming *slot
	retired  *slot
	lastErr  error

	active atomic.Pointer[slot]
}

type slot struct {
	gen   Generation
	store cache.Store
	state State
}

// GenerationStatus 是某个代际的只读快照。
type GenerationStatus struct {
	Version   string `json:"version"`
	StoreName string `json:"store"`
	State     State  `json:"state"`
}

// Status 供诊断接口展示。
type Status struct {
	Active    *GenerationStatus `json:"active,omitempty"`
	Incoming  *GenerationStatus `json:"incoming,omitempty"`
	Retired   *GenerationStatus `json:"retired,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// NewController 校验依赖并构造控制器。
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Populator == nil {
		return nil, errors.New("populator is required")
	}
	reaper := opts.Reaper
	if reaper == nil {
		reaper = NewReaper(opts.Storage, opts.Logger, opts.Sink, opts.Metrics)
	}
	return &Controller{
		storage:   opts.Storage,
		populator: opts.Populator,
		reaper:    reaper,
		logger:    logging.OrDiscard(opts.Logger),
		sink:      opts.Sink,
		metrics:   opts.Metrics,
	}, nil
}

// Install 预热 gen 的清单；成功后 gen 进入 installed，等待激活。
// 失败时 gen 标记为 redundant，当前生效的代际不受影响。
func (c *Controller) Install(ctx context.Context, gen Generation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installLocked(ctx, gen)
}

// Activate 回收其它代际的缓存，然后 claim：已安装的代际立即接管之后的全部请求。
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activateLocked(ctx)
}

// Upgrade 依次执行 Install 与 Activate；激活从不等待旧代际的使用者退出。
func (c *Controller) Upgrade(ctx context.Context, gen Generation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.installLocked(ctx, gen); err != nil {
		return err
	}
	return c.activateLocked(ctx)
}

func (c *Controller) installLocked(ctx context.Context, gen Generation) error {
	if gen.StoreName == "" {
		return fmt.Errorf("%w: store name required", ErrInstallFailed)
	}
	incoming := &slot{gen: gen, state: StateInstalling}
	c.update(func() { c.incoming = incoming })
	c.logger.WithFields(logging.GenerationFields("install", gen.Version, gen.StoreName)).
		Info("installing generation")

	if err := c.populator.Populate(ctx, gen.StoreName, gen.Manifest); err != nil {
		c.update(func() {
			incoming.state = StateRedundant
			c.lastErr = err
		})
		return err
	}
	store, err := c.storage.Open(ctx, gen.StoreName)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInstallFailed, err)
		c.update(func() {
			incoming.state = StateRedundant
			c.lastErr = err
		})
		return err
	}
	c.update(func() {
		incoming.store = store
		incoming.state = StateInstalled
		c.lastErr = nil
	})
	c.logger.WithFields(logging.GenerationFields("install", gen.Version, gen.StoreName)).
		Info("generation installed")
	return nil
}

func (c *Controller) activateLocked(ctx context.Context) error {
	c.statusMu.RLock()
	incoming := c.incoming
	ready := incoming != nil && incoming.state == StateInstalled
	c.statusMu.RUnlock()
	if !ready {
		return ErrNotInstalled
	}
	c.update(func() { incoming.state = StateActivating })
	fields := logging.GenerationFields("activate", incoming.gen.Version, incoming.gen.StoreName)
	c.logger.WithFields(fields).Info("activating generation")

	report := c.reaper.Reap(ctx, incoming.gen.StoreName)
	if len(report.Failed) > 0 || report.ListErr != nil {
		c.logger.WithFields(fields).
			WithField("failed", len(report.Failed)).
			Warn("stale stores left behind, retrying on next activation")
	}

	c.claim(incoming)
	return nil
}

// claim 发布新代际；此后每个请求都从它的缓存读写。
func (c *Controller) claim(next *slot) {
	c.update(func() {
		next.state = StateActivated
		previous := c.active.Swap(next)
		if previous != nil && previous.gen.StoreName != next.gen.StoreName {
			previous.state = StateRedundant
			c.retired = previous
		}
		c.incoming = nil
	})

	c.metrics.SetGeneration(next.gen.Version, next.gen.StoreName)
	c.logger.WithFields(logging.GenerationFields("claim", next.gen.Version, next.gen.StoreName)).
		Info("generation claimed all clients")
	diag.Emit(c.sink, diag.LevelInfo, "generation %s is now active", next.gen.Version)
}

func (c *Controller) update(fn func()) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	fn()
}

// CurrentStore 返回当前生效代际的缓存；尚未激活时返回 nil。
func (c *Controller) CurrentStore() cache.Store {
	if current := c.active.Load(); current != nil {
		return current.store
	}
	return nil
}

// Active 返回当前生效的代际。
func (c *Controller) Active() (Generation, bool) {
	if current := c.active.Load(); current != nil {
		return current.gen, true
	}
	return Generation{}, false
}

// Status 返回控制器状态快照。
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	var status Status
	if current := c.active.Load(); current != nil {
		status.Active = current.status()
	}
	if c.incoming != nil {
		status.Incoming = c.incoming.status()
	}
	if c.retired != nil {
		status.Retired = c.retired.status()
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

func (s *slot) status() *GenerationStatus {
	return &GenerationStatus{
		Version:   s.gen.Version,
		StoreName: s.gen.StoreName,
		State:     s.state,
	}
}
