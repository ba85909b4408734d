package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/coordinator"
	"github.com/oriys/mimic/internal/domain"
	"github.com/oriys/mimic/internal/metrics"
	"github.com/oriys/mimic/internal/storage"
)

// runTask 是执行队列中的一次回放任务。
// workflow 是入队时冻结的定义副本，回放期间的并发编辑不影响本次执行。
type runTask struct {
	run        *domain.Run
	workflow   *domain.Workflow
	mode       coordinator.Mode
	resumeFrom int
	ctx        context.Context
}

// Update 回放进度更新，推送给 watch 订阅者。
type Update struct {
	// RunID 回放标识
	RunID string `json:"run_id"`
	// Step 非空表示一个步骤刚刚落定
	Step *domain.StepOutcome `json:"step,omitempty"`
	// Status 回放当前状态
	Status domain.RunStatus `json:"status"`
	// Done 为 true 表示回放已到达终态，订阅通道随后关闭
	Done bool `json:"done"`
}

// EventPublisher 把回放生命周期事件发布到消息总线。
type EventPublisher interface {
	PublishRunStarted(ctx context.Context, run *domain.Run) error
	PublishRunCompleted(ctx context.Context, run *domain.Run) error
}

// Engine 回放执行引擎。
// 维护一个 Worker Pool，从执行队列消费回放任务；
// 同一工作流同时最多一次回放（由存储层的执行租约保证）。
type Engine struct {
	config   config.ReplayConfig
	store    storage.Store
	executor *Executor
	coord    *coordinator.Coordinator
	bus      EventPublisher
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	queue  chan *runTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	subs     map[string][]chan Update
}

// NewEngine 创建回放引擎。bus 与 m 可以为 nil（禁用事件发布 / 指标）。
func NewEngine(cfg config.ReplayConfig, store storage.Store, executor *Executor, coord *coordinator.Coordinator, bus EventPublisher, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	executor.config = cfg
	executor.metrics = m

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:   cfg,
		store:    store,
		executor: executor,
		coord:    coord,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		queue:    make(chan *runTask, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
		subs:     make(map[string][]chan Update),
	}
}

// Start 启动回放引擎：先把崩溃残留的 running 记录标记为 aborted，
// 再启动 Worker Pool。
func (e *Engine) Start() error {
	if e.config.RecoveryEnabled {
		n, err := e.store.MarkStaleRunsAborted(e.ctx)
		if err != nil {
			return fmt.Errorf("恢复残留回放记录失败: %w", err)
		}
		if n > 0 {
			e.logger.WithField("count", n).Warn("已将残留的 running 回放标记为 aborted")
		}
	}

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.logger.WithFields(logrus.Fields{
		"workers":    e.config.Workers,
		"queue_size": e.config.QueueSize,
	}).Info("回放引擎已启动")
	return nil
}

// Stop 停止回放引擎，等待进行中的回放收尾。
func (e *Engine) Stop() {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("回放引擎已停止")
	case <-time.After(30 * time.Second):
		e.logger.Warn("回放引擎停止超时，放弃等待")
	}
}

// worker 工作线程：循环从队列取任务执行。
func (e *Engine) worker(id int) {
	defer e.wg.Done()
	log := e.logger.WithField("worker_id", id)
	log.Debug("回放 worker 已启动")

	for {
		select {
		case <-e.ctx.Done():
			log.Debug("回放 worker 退出")
			return
		case task := <-e.queue:
			e.executeTask(task)
		}
	}
}

// StartRun 为工作流启动一次回放。
//
// 入队前获取工作流的执行租约：同一工作流已有进行中的回放时返回
// ErrRunInProgress；租约同时阻止回放期间的编辑与删除。定义在入队
// 时冻结为副本。
func (e *Engine) StartRun(ctx context.Context, workflowID string, req domain.StartRunRequest, source string) (*domain.Run, error) {
	wf, err := e.store.GetWorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	mode, err := parseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	if !e.store.TryLockWorkflow(wf.ID) {
		return nil, domain.ErrRunInProgress
	}

	resumeFrom := 0
	if req.Resume {
		prior, err := e.store.LatestResumableRun(ctx, wf.ID)
		if err != nil {
			e.store.UnlockWorkflow(wf.ID)
			return nil, fmt.Errorf("%w: %v", domain.ErrRunNotResumable, err)
		}
		if prior.WorkflowVersion != wf.Version {
			e.store.UnlockWorkflow(wf.ID)
			return nil, fmt.Errorf("%w: 工作流已从版本 %d 更新到 %d", domain.ErrRunNotResumable, prior.WorkflowVersion, wf.Version)
		}
		resumeFrom = resumePoint(prior)
	}

	run := &domain.Run{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		Status:          domain.RunStatusRunning,
		Trigger:         source,
		StartedAt:       time.Now(),
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		e.store.UnlockWorkflow(wf.ID)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.inflight[run.ID] = cancel
	e.mu.Unlock()

	task := &runTask{
		run:        run,
		workflow:   wf.Clone(),
		mode:       mode,
		resumeFrom: resumeFrom,
		ctx:        runCtx,
	}

	select {
	case e.queue <- task:
		e.logger.WithFields(logrus.Fields{
			"run_id":   run.ID,
			"workflow": wf.Name,
			"mode":     mode,
			"trigger":  source,
		}).Info("已创建回放并加入队列")
		return run, nil
	default:
		e.dropInflight(run.ID)
		now := time.Now()
		_ = e.store.CompleteRun(ctx, run.ID, domain.RunStatusAborted, "execution queue full", now)
		e.store.UnlockWorkflow(wf.ID)
		e.logger.WithField("run_id", run.ID).Error("执行队列已满，回放被拒绝")
		return nil, domain.ErrQueueFull
	}
}

// Cancel 取消一次进行中的回放。
// 取消是协作式的：当前步骤收尾后回放以 aborted 终止。
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.inflight[runID]
	e.mu.Unlock()
	if ok {
		cancel()
		e.logger.WithField("run_id", runID).Info("已请求取消回放")
		return nil
	}

	run, err := e.store.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return fmt.Errorf("回放 %s 已结束（%s），无法取消", runID, run.Status)
	}
	return domain.ErrRunNotFound
}

// Subscribe 订阅一次回放的进度更新。
// 返回的取消函数必须调用；回放到达终态后通道自动关闭。
func (e *Engine) Subscribe(runID string) (<-chan Update, func()) {
	ch := make(chan Update, 16)
	e.mu.Lock()
	e.subs[runID] = append(e.subs[runID], ch)
	e.mu.Unlock()

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			subs := e.subs[runID]
			for i, c := range subs {
				if c == ch {
					e.subs[runID] = append(subs[:i], subs[i+1:]...)
					close(c)
					break
				}
			}
		})
	}
	return ch, unsubscribe
}

// executeTask 执行单个回放任务。
func (e *Engine) executeTask(task *runTask) {
	run := task.run
	log := e.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"workflow": task.workflow.Name,
	})

	defer e.dropInflight(run.ID)
	defer e.store.UnlockWorkflow(task.workflow.ID)

	// 排队期间被取消
	if task.ctx.Err() != nil {
		e.completeRun(run, domain.RunStatusAborted, "run cancelled")
		return
	}

	// 整个回放持有系统级执行上下文；锁内只有一次回放
	waitStart := time.Now()
	ec, err := e.coord.Acquire(task.ctx, task.mode)
	if e.metrics != nil {
		e.metrics.CoordinatorWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}
	if err != nil {
		log.WithError(err).Error("获取执行上下文失败")
		e.completeRun(run, domain.RunStatusAborted, err.Error())
		return
	}
	defer ec.Release()

	if ec.Degraded {
		log.Warn("后台执行不可用，本次回放在前台执行")
	}

	if e.metrics != nil {
		e.metrics.RunsInflight.Inc()
		defer e.metrics.RunsInflight.Dec()
	}
	if e.bus != nil {
		if err := e.bus.PublishRunStarted(task.ctx, run); err != nil {
			log.WithError(err).Warn("发布回放开始事件失败")
		}
	}

	log.WithFields(logrus.Fields{
		"mode":        ec.Mode,
		"steps":       len(task.workflow.Steps),
		"resume_from": task.resumeFrom,
	}).Info("回放开始执行")

	onStep := func(so domain.StepOutcome) {
		if err := e.store.AppendStepOutcome(context.Background(), run.ID, so); err != nil {
			log.WithError(err).WithField("step_index", so.Index).Error("保存步骤结果失败")
		}
		run.StepOutcomes = append(run.StepOutcomes, so)
		if e.metrics != nil {
			e.metrics.StepsTotal.WithLabelValues(string(so.Kind), string(so.Outcome)).Inc()
			if so.Attempts > 1 {
				e.metrics.StepRetriesTotal.Add(float64(so.Attempts - 1))
			}
			if so.Confidence > 0 {
				e.metrics.LocateConfidence.Observe(so.Confidence)
			}
		}
		e.publishUpdate(Update{RunID: run.ID, Step: &so, Status: domain.RunStatusRunning})
	}

	result := e.executor.ExecuteRun(task.ctx, run, task.workflow, task.resumeFrom, onStep)
	e.completeRun(run, result.status, result.errMsg)
}

// completeRun 将回放写入终态并广播。终态只写一次：
// 存储层拒绝对非 running 记录的二次落定。
func (e *Engine) completeRun(run *domain.Run, status domain.RunStatus, errMsg string) {
	// 终态必须落盘，引擎停止过程中也不例外，因此不用 e.ctx
	endedAt := time.Now()
	if err := e.store.CompleteRun(context.Background(), run.ID, status, errMsg, endedAt); err != nil {
		e.logger.WithError(err).WithField("run_id", run.ID).Error("落定回放终态失败")
	}

	run.Status = status
	run.Error = errMsg
	run.EndedAt = &endedAt

	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
		e.metrics.RunDuration.Observe(endedAt.Sub(run.StartedAt).Seconds())
	}
	if e.bus != nil {
		if err := e.bus.PublishRunCompleted(context.Background(), run); err != nil {
			e.logger.WithError(err).WithField("run_id", run.ID).Warn("发布回放结束事件失败")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"status":   status,
		"duration": endedAt.Sub(run.StartedAt),
	}).Info("回放已结束")

	e.publishUpdate(Update{RunID: run.ID, Status: status, Done: true})
	e.closeSubs(run.ID)
}

// publishUpdate 向订阅者广播进度，慢订阅者丢弃而不阻塞回放。
func (e *Engine) publishUpdate(u Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs[u.RunID] {
		select {
		case ch <- u:
		default:
		}
	}
}

func (e *Engine) closeSubs(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs[runID] {
		close(ch)
	}
	delete(e.subs, runID)
}

func (e *Engine) dropInflight(runID string) {
	e.mu.Lock()
	cancel, ok := e.inflight[runID]
	delete(e.inflight, runID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// parseMode 解析请求中的执行模式，空值默认为后台执行。
func parseMode(s string) (coordinator.Mode, error) {
	switch s {
	case "", string(coordinator.ModeBackground):
		return coordinator.ModeBackground, nil
	case string(coordinator.ModeForeground):
		return coordinator.ModeForeground, nil
	default:
		return "", fmt.Errorf("无效的执行模式: %q", s)
	}
}

// resumePoint 计算断点续跑的起始步骤：上次回放中第一个失败步骤的序号。
func resumePoint(prior *domain.Run) int {
	for _, so := range prior.StepOutcomes {
		if so.Outcome == domain.OutcomeFailed {
			return so.Index
		}
	}
	return len(prior.StepOutcomes)
}
