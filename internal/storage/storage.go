// Package storage 提供了工作流与执行记录的持久化层。
// 生产环境使用 PostgreSQL 后端，测试和演示可使用内存后端。
// 执行记录是仅追加的：回放一旦开始，其步骤结果只会追加，终态只写一次。
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/mimic/internal/domain"
)

// Store 定义了工作流引擎的持久化接口。
// 两个实现：PostgresStore（生产）与 MemoryStore（测试）。
type Store interface {
	// ========== 工作流 ==========

	// CreateWorkflow 保存一个新工作流。名称冲突返回 ErrWorkflowExists。
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	// GetWorkflowByID 按 ID 查询工作流，不存在返回 ErrWorkflowNotFound。
	GetWorkflowByID(ctx context.Context, id string) (*domain.Workflow, error)
	// GetWorkflowByName 按名称查询工作流，不存在返回 ErrWorkflowNotFound。
	GetWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error)
	// ListWorkflows 分页列出工作流，返回当前页与总数。
	ListWorkflows(ctx context.Context, offset, limit int) ([]*domain.Workflow, int, error)
	// CountWorkflows 返回已保存的工作流总数。
	CountWorkflows(ctx context.Context) (int, error)
	// UpdateWorkflow 覆盖工作流定义。存储层递增 Version 并刷新
	// UpdatedAt，写回到传入的 wf；进行中的回放钉住旧版本。
	// 该工作流有回放进行中时返回 ErrWorkflowLocked。
	UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error
	// DeleteWorkflow 删除工作流及其触发器。执行记录默认保留，
	// purge 为 true 时一并清除。
	// 该工作流有回放进行中时返回 ErrWorkflowLocked。
	DeleteWorkflow(ctx context.Context, id string, purge bool) error

	// ========== 触发器 ==========

	// SaveTrigger 为工作流挂载触发器。
	// 该工作流已有活跃触发器时返回 ErrTriggerConflict。
	SaveTrigger(ctx context.Context, t *domain.Trigger) error
	// GetTriggerByWorkflow 查询工作流的触发器，不存在返回 ErrTriggerNotFound。
	GetTriggerByWorkflow(ctx context.Context, workflowID string) (*domain.Trigger, error)
	// ListTriggers 列出所有触发器（含未启用的）。
	ListTriggers(ctx context.Context) ([]*domain.Trigger, error)
	// DeleteTrigger 删除工作流的触发器，不存在返回 ErrTriggerNotFound。
	DeleteTrigger(ctx context.Context, workflowID string) error
	// UpdateTriggerFired 持久化触发器的最近触发时间，供重启后补发判断。
	UpdateTriggerFired(ctx context.Context, triggerID string, firedAt time.Time) error

	// ========== 执行记录 ==========

	// CreateRun 写入一条新的执行记录（状态为 running）。
	CreateRun(ctx context.Context, run *domain.Run) error
	// AppendStepOutcome 追加一条步骤结果。记录是仅追加的，已有结果不会被改写。
	AppendStepOutcome(ctx context.Context, runID string, so domain.StepOutcome) error
	// CompleteRun 写入执行记录的终态。终态只写一次。
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, errMsg string, endedAt time.Time) error
	// GetRunByID 按 ID 查询执行记录（含步骤结果），不存在返回 ErrRunNotFound。
	GetRunByID(ctx context.Context, id string) (*domain.Run, error)
	// ListRuns 分页列出执行记录，workflowID 为空时列出全部。
	ListRuns(ctx context.Context, workflowID string, offset, limit int) ([]*domain.Run, int, error)
	// LatestResumableRun 返回工作流最近一条 partially-completed 记录，
	// 不存在返回 ErrRunNotResumable。
	LatestResumableRun(ctx context.Context, workflowID string) (*domain.Run, error)
	// MarkStaleRunsAborted 将残留的 running 记录标记为 aborted（崩溃恢复），
	// 返回受影响的记录数。
	MarkStaleRunsAborted(ctx context.Context) (int, error)

	// ========== 回放租约 ==========

	// TryLockWorkflow 尝试获取工作流的回放租约。
	// 持有租约期间 UpdateWorkflow/DeleteWorkflow 返回 ErrWorkflowLocked，
	// 再次 TryLockWorkflow 返回 false（同一工作流至多一个并发回放）。
	TryLockWorkflow(id string) bool
	// UnlockWorkflow 释放工作流的回放租约。
	UnlockWorkflow(id string)

	// Ping 检查存储连接是否可用。
	Ping(ctx context.Context) error
	// Close 关闭存储连接。
	Close() error
}

// runLeases 是进程内的回放租约表。
// 引擎是单进程的，租约不需要跨进程协调，挂在存储上是为了让
// 编辑/删除路径与回放路径看到同一份锁视图。
type runLeases struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// newRunLeases 创建一个空的租约表。
func newRunLeases() *runLeases {
	return &runLeases{locked: make(map[string]struct{})}
}

// tryLock 尝试获取租约，已被持有时返回 false。
func (l *runLeases) tryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locked[id]; ok {
		return false
	}
	l.locked[id] = struct{}{}
	return true
}

// unlock 释放租约。释放未持有的租约是无害的空操作。
func (l *runLeases) unlock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, id)
}

// isLocked 返回租约是否被持有。
func (l *runLeases) isLocked(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locked[id]
	return ok
}
