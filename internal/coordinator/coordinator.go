// Package coordinator 实现了后台执行协调器：管理对桌面输入与焦点
// 这一独占资源的访问。
//
// 桌面只有一套指针和键盘焦点，因此同一时刻系统范围内至多一个回放
// 在驱动桌面。多个回放请求按到达顺序（FIFO）排队等待执行上下文；
// 前台执行要在用户输入安静一段时间后才开始，避免从正在打字的用户
// 手里抢走指针。
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/domain"
)

// Mode 表示回放的执行模式
type Mode string

const (
	// ModeForeground 前台执行：借用真实桌面的指针与焦点
	ModeForeground Mode = "foreground"
	// ModeBackground 后台执行：在独立桌面表面上执行，不打扰前台用户
	ModeBackground Mode = "background"
)

// ActivityMonitor 报告最近一次观测到用户输入的时间。
type ActivityMonitor interface {
	LastInputAt() time.Time
}

// Surface 是一块可释放的独立桌面表面。
type Surface interface {
	Release() error
}

// SurfaceProvider 创建独立桌面表面（虚拟桌面、独立会话等）。
// 平台不支持时 Provider 为 nil，后台请求退化为前台执行。
type SurfaceProvider interface {
	AcquireSurface(ctx context.Context) (Surface, error)
}

// ExecutionContext 是一次已授予的执行上下文。
// 调用方执行完毕后必须调用 Release，把上下文交给队列中的下一个等待者。
type ExecutionContext struct {
	// Mode 实际生效的执行模式
	Mode Mode
	// Degraded 为 true 表示请求了后台执行但平台不支持，已退化为前台
	Degraded bool

	surface Surface
	release func()
	once    sync.Once
}

// Release 释放执行上下文。可安全地重复调用。
func (e *ExecutionContext) Release() {
	e.once.Do(func() {
		if e.surface != nil {
			_ = e.surface.Release()
		}
		e.release()
	})
}

// waiter 是 FIFO 队列中的一个等待者。
type waiter struct {
	ch chan struct{}
}

// Coordinator 后台执行协调器。
type Coordinator struct {
	monitor  ActivityMonitor
	surfaces SurfaceProvider
	cfg      config.CoordinatorConfig
	logger   *logrus.Logger

	mu      sync.Mutex
	locked  bool
	waiters []*waiter
}

// New 创建协调器。monitor 为 nil 时跳过输入安静检查（无头环境）。
func New(monitor ActivityMonitor, surfaces SurfaceProvider, cfg config.CoordinatorConfig, logger *logrus.Logger) *Coordinator {
	return &Coordinator{monitor: monitor, surfaces: surfaces, cfg: cfg, logger: logger}
}

// Acquire 获取执行上下文，必要时排队等待。
//
// 等待超过配置上限返回 ErrAcquireTimeout（死锁保护）；前台模式下
// 用户持续输入导致安静窗口始终无法满足时返回 ErrFocusUnavailable。
// 两种失败都会把队列位置让给后续等待者。
func (c *Coordinator) Acquire(ctx context.Context, mode Mode) (*ExecutionContext, error) {
	if err := c.waitTurn(ctx); err != nil {
		return nil, err
	}

	// 此刻持有系统级执行锁；后续任何失败路径都必须释放
	ec := &ExecutionContext{Mode: mode, release: c.release}

	if mode == ModeBackground {
		if c.cfg.BackgroundEnabled && c.surfaces != nil {
			surface, err := c.surfaces.AcquireSurface(ctx)
			if err == nil {
				ec.surface = surface
				return ec, nil
			}
			c.logger.WithError(err).Warn("独立桌面表面创建失败，退化为前台执行")
		} else {
			c.logger.Info("平台不支持后台执行，退化为前台执行")
		}
		ec.Mode = ModeForeground
		ec.Degraded = true
	}

	// 前台（含退化）执行需要输入安静窗口
	if err := c.waitQuiescence(ctx); err != nil {
		c.release()
		return nil, err
	}
	return ec, nil
}

// waitTurn 按 FIFO 顺序等待系统级执行锁。
func (c *Coordinator) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	if !c.locked {
		c.locked = true
		c.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	queued := len(c.waiters)
	c.mu.Unlock()

	c.logger.WithField("queued", queued).Debug("执行上下文被占用，排队等待")

	timer := time.NewTimer(c.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		c.abandon(w)
		return ctx.Err()
	case <-timer.C:
		c.abandon(w)
		return domain.ErrAcquireTimeout
	}
}

// abandon 撤销一个等待者。
// 等待者可能恰好在放弃的同时被授予了锁，此时把锁转交给下一个等待者。
func (c *Coordinator) abandon(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
	// 不在队列里：锁已经授予给我们了，转交出去
	c.releaseLocked()
}

// release 释放执行锁，唤醒队首等待者。
func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

// releaseLocked 释放锁的内部实现。调用方必须持有 mu。
func (c *Coordinator) releaseLocked() {
	if len(c.waiters) > 0 {
		next := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(next.ch)
		return
	}
	c.locked = false
}

// waitQuiescence 等待输入安静窗口得到满足。
// 用户持续输入时最多等待 FocusTimeout，之后报告焦点不可用。
func (c *Coordinator) waitQuiescence(ctx context.Context) error {
	if c.monitor == nil {
		return nil
	}

	deadline := time.Now().Add(c.cfg.FocusTimeout)
	for {
		idle := time.Since(c.monitor.LastInputAt())
		if idle >= c.cfg.QuiescenceWindow {
			return nil
		}
		if time.Now().After(deadline) {
			c.logger.WithField("idle", idle).Warn("用户输入持续活跃，前台执行上下文不可用")
			return domain.ErrFocusUnavailable
		}

		wait := c.cfg.QuiescenceWindow - idle
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining + time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
