// Package scheduler 实现触发器调度：cron 定时触发与文件系统事件触发。
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/domain"
	"github.com/oriys/mimic/internal/metrics"
	"github.com/oriys/mimic/internal/storage"
)

// RunStarter 启动一次回放。同一工作流已有进行中的回放时
// 返回 domain.ErrRunInProgress，由调度器按合并策略处理。
type RunStarter interface {
	StartRun(ctx context.Context, workflowID string, req domain.StartRunRequest, source string) (*domain.Run, error)
}

// entry 是一个已挂载的触发器。
type entry struct {
	trigger *domain.Trigger
	// schedule 仅 cron 触发器非空
	schedule cron.Schedule
	// next 下一次到期时间（cron 触发器）
	next time.Time
}

// Scheduler 触发器调度器。
//
// cron 触发器由 tick 循环驱动：每个 tick 检查到期条目并点火。
// 停机期间错过一个或多个调度点的触发器在启动后的首个 tick 恰好
// 补发一次，之后回到正常节奏。
//
// 同一工作流的触发命中时若已有回放在进行中，按触发器的合并策略
// 处理：drop 丢弃并记录跳过，queue 至多排队一次、待租约释放后补发。
type Scheduler struct {
	store   storage.Store
	starter RunStarter
	cfg     config.SchedulerConfig
	metrics *metrics.Metrics
	logger  *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry // workflowID -> entry
	pending map[string]string // workflowID -> source（queue 策略下至多一条）

	watcher *watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建调度器。m 可以为 nil（禁用指标）。
func New(store storage.Store, starter RunStarter, cfg config.SchedulerConfig, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   store,
		starter: starter,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		entries: make(map[string]*entry),
		pending: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动调度器：从存储加载并挂载所有触发器，
// 然后启动 tick 循环与文件系统监听。
func (s *Scheduler) Start() error {
	w, err := newWatcher(s.fireEvent, s.logger)
	if err != nil {
		return err
	}
	s.watcher = w

	triggers, err := s.store.ListTriggers(s.ctx)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := s.Mount(t); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"trigger_id":  t.ID,
				"workflow_id": t.WorkflowID,
			}).Error("挂载触发器失败")
		}
	}

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.WithFields(logrus.Fields{
		"triggers":      len(triggers),
		"tick_interval": s.cfg.TickInterval,
	}).Info("调度器已启动")
	return nil
}

// Stop 停止调度器。
func (s *Scheduler) Stop() {
	s.cancel()
	if s.watcher != nil {
		s.watcher.close()
	}
	s.wg.Wait()
	s.logger.Info("调度器已停止")
}

// Mount 挂载触发器，已有同一工作流的条目时先替换。
func (s *Scheduler) Mount(t *domain.Trigger) error {
	return s.mountAt(t, time.Now())
}

// mountAt 按给定的当前时间挂载触发器。
func (s *Scheduler) mountAt(t *domain.Trigger, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.Enabled {
		s.Unmount(t.WorkflowID)
		return nil
	}

	e := &entry{trigger: t}
	switch t.Kind {
	case domain.TriggerKindCron:
		sched, err := cron.ParseStandard(t.Expr)
		if err != nil {
			return domain.ErrInvalidTrigger
		}
		e.schedule = sched
		// 补发：以最近一次触发时间为基准计算下一次到期。
		// 到期点落在过去时（停机期间错过），首个 tick 补发一次。
		if s.cfg.CatchUpEnabled && t.LastFiredAt != nil {
			e.next = sched.Next(*t.LastFiredAt)
		} else {
			e.next = sched.Next(now)
		}
	case domain.TriggerKindEvent:
		if s.watcher != nil {
			if err := s.watcher.add(t.WorkflowID, t.Path); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	old := s.entries[t.WorkflowID]
	s.entries[t.WorkflowID] = e
	delete(s.pending, t.WorkflowID)
	count := len(s.entries)
	s.mu.Unlock()

	if old != nil && old.trigger.Kind == domain.TriggerKindEvent && s.watcher != nil {
		s.watcher.remove(t.WorkflowID, old.trigger.Path)
	}
	if s.metrics != nil {
		s.metrics.TriggersActive.Set(float64(count))
	}

	s.logger.WithFields(logrus.Fields{
		"workflow_id": t.WorkflowID,
		"kind":        t.Kind,
		"expr":        t.Expr,
		"path":        t.Path,
	}).Info("触发器已挂载")
	return nil
}

// Unmount 卸载工作流的触发器。
func (s *Scheduler) Unmount(workflowID string) {
	s.mu.Lock()
	e := s.entries[workflowID]
	delete(s.entries, workflowID)
	delete(s.pending, workflowID)
	count := len(s.entries)
	s.mu.Unlock()

	if e != nil && e.trigger.Kind == domain.TriggerKindEvent && s.watcher != nil {
		s.watcher.remove(workflowID, e.trigger.Path)
	}
	if s.metrics != nil {
		s.metrics.TriggersActive.Set(float64(count))
	}
}

// tickLoop 周期性检查到期触发器。
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick 检查所有到期的 cron 触发器并点火，同时补发排队中的触发。
// tick 循环之外也可直接调用（便于确定性测试）。
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.schedule != nil && !e.next.After(now) {
			due = append(due, e)
			// 错过的多个调度点合并为一次：下一次到期从当前时间推算
			e.next = e.schedule.Next(now)
		}
	}
	queued := make(map[string]string, len(s.pending))
	for wfID, source := range s.pending {
		queued[wfID] = source
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e.trigger, now, "cron")
	}
	for wfID, source := range queued {
		s.retryPending(wfID, source, now)
	}
}

// fireEvent 由文件系统监听器回调。
func (s *Scheduler) fireEvent(workflowID string) {
	s.mu.Lock()
	e := s.entries[workflowID]
	s.mu.Unlock()
	if e == nil {
		return
	}
	s.fire(e.trigger, time.Now(), "event")
}

// fire 为触发命中启动一次回放。
func (s *Scheduler) fire(t *domain.Trigger, now time.Time, source string) {
	log := s.logger.WithFields(logrus.Fields{
		"workflow_id": t.WorkflowID,
		"trigger_id":  t.ID,
		"kind":        t.Kind,
	})

	_, err := s.starter.StartRun(s.ctx, t.WorkflowID, domain.StartRunRequest{}, source)
	switch {
	case err == nil:
		s.markFired(t, now)
		s.observeFire(t.Kind, "started")
		log.Info("触发器点火，回放已启动")

	case errors.Is(err, domain.ErrRunInProgress):
		policy := t.Coalesce
		if policy == "" {
			policy = domain.CoalesceDrop
		}
		if policy == domain.CoalesceQueue {
			s.mu.Lock()
			_, already := s.pending[t.WorkflowID]
			if !already {
				s.pending[t.WorkflowID] = source
			}
			s.mu.Unlock()
			if already {
				s.observeFire(t.Kind, "dropped")
				log.Warn("触发命中时已有回放进行中且已有排队，本次丢弃")
			} else {
				s.observeFire(t.Kind, "queued")
				log.Info("触发命中时已有回放进行中，已排队补发")
			}
		} else {
			s.observeFire(t.Kind, "dropped")
			log.Warn("触发命中时已有回放进行中，按 drop 策略跳过")
		}

	default:
		s.observeFire(t.Kind, "failed")
		log.WithError(err).Error("触发器点火失败")
	}
}

// retryPending 补发一次排队中的触发。
func (s *Scheduler) retryPending(workflowID, source string, now time.Time) {
	s.mu.Lock()
	e := s.entries[workflowID]
	s.mu.Unlock()
	if e == nil {
		s.mu.Lock()
		delete(s.pending, workflowID)
		s.mu.Unlock()
		return
	}

	_, err := s.starter.StartRun(s.ctx, workflowID, domain.StartRunRequest{}, source)
	switch {
	case err == nil:
		s.mu.Lock()
		delete(s.pending, workflowID)
		s.mu.Unlock()
		s.markFired(e.trigger, now)
		s.observeFire(e.trigger.Kind, "started")
		s.logger.WithField("workflow_id", workflowID).Info("排队的触发已补发")
	case errors.Is(err, domain.ErrRunInProgress):
		// 仍在回放中，下个 tick 再试
	default:
		s.mu.Lock()
		delete(s.pending, workflowID)
		s.mu.Unlock()
		s.logger.WithError(err).WithField("workflow_id", workflowID).Error("补发排队触发失败")
	}
}

// markFired 持久化最近一次触发时间，重启后据此补发。
func (s *Scheduler) markFired(t *domain.Trigger, now time.Time) {
	if err := s.store.UpdateTriggerFired(s.ctx, t.ID, now); err != nil {
		s.logger.WithError(err).WithField("trigger_id", t.ID).Error("保存触发时间失败")
	}
	s.mu.Lock()
	if e := s.entries[t.WorkflowID]; e != nil {
		fired := now
		e.trigger.LastFiredAt = &fired
	}
	s.mu.Unlock()
}

func (s *Scheduler) observeFire(kind domain.TriggerKind, result string) {
	if s.metrics != nil {
		s.metrics.TriggerFiresTotal.WithLabelValues(string(kind), result).Inc()
	}
}
