// Package storage 提供了工作流与执行记录的持久化层。
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/mimic/internal/domain"
)

// MemoryStore 是进程内存中的存储实现。
// 语义与 PostgresStore 一致，用于测试以及无数据库的演示模式。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Workflow // 按 ID 索引
	triggers  map[string]*domain.Trigger  // 按 workflowID 索引
	runs      map[string]*domain.Run      // 按 runID 索引
	leases    *runLeases
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*domain.Workflow),
		triggers:  make(map[string]*domain.Trigger),
		runs:      make(map[string]*domain.Run),
		leases:    newRunLeases(),
	}
}

// ==================== 工作流 ====================

// CreateWorkflow 保存一个新工作流。名称冲突返回 ErrWorkflowExists。
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.workflows {
		if existing.Name == wf.Name {
			return domain.ErrWorkflowExists
		}
	}
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// GetWorkflowByID 按 ID 查询工作流。
func (s *MemoryStore) GetWorkflowByID(_ context.Context, id string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	return s.withTrigger(wf), nil
}

// GetWorkflowByName 按名称查询工作流。
func (s *MemoryStore) GetWorkflowByName(_ context.Context, name string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wf := range s.workflows {
		if wf.Name == name {
			return s.withTrigger(wf), nil
		}
	}
	return nil, domain.ErrWorkflowNotFound
}

// withTrigger 返回工作流副本并附加其触发器。调用方必须持有读锁。
func (s *MemoryStore) withTrigger(wf *domain.Workflow) *domain.Workflow {
	cp := wf.Clone()
	if t, ok := s.triggers[wf.ID]; ok {
		tc := *t
		cp.Trigger = &tc
	}
	return cp
}

// ListWorkflows 分页列出工作流，按名称排序。
func (s *MemoryStore) ListWorkflows(_ context.Context, offset, limit int) ([]*domain.Workflow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		all = append(all, s.withTrigger(wf))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	total := len(all)
	if offset >= total {
		return []*domain.Workflow{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// CountWorkflows 返回已保存的工作流总数。
func (s *MemoryStore) CountWorkflows(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows), nil
}

// UpdateWorkflow 覆盖工作流定义，版本号递增。回放进行中返回 ErrWorkflowLocked。
func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *domain.Workflow) error {
	if s.leases.isLocked(wf.ID) {
		return domain.ErrWorkflowLocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.workflows[wf.ID]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	// 版本号以存储中的为准递增，断点续跑靠它识别定义漂移
	wf.Version = old.Version + 1
	wf.UpdatedAt = time.Now()
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// DeleteWorkflow 删除工作流及其触发器。
// 执行记录默认保留，purge 为 true 时一并清除。
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string, purge bool) error {
	if s.leases.isLocked(id) {
		return domain.ErrWorkflowLocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return domain.ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	delete(s.triggers, id)
	if purge {
		for runID, run := range s.runs {
			if run.WorkflowID == id {
				delete(s.runs, runID)
			}
		}
	}
	return nil
}

// ==================== 触发器 ====================

// SaveTrigger 为工作流挂载触发器。已有活跃触发器返回 ErrTriggerConflict。
func (s *MemoryStore) SaveTrigger(_ context.Context, t *domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[t.WorkflowID]; ok {
		return domain.ErrTriggerConflict
	}
	tc := *t
	if tc.Coalesce == "" {
		tc.Coalesce = domain.CoalesceDrop
	}
	s.triggers[t.WorkflowID] = &tc
	return nil
}

// GetTriggerByWorkflow 查询工作流的触发器。
func (s *MemoryStore) GetTriggerByWorkflow(_ context.Context, workflowID string) (*domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.triggers[workflowID]
	if !ok {
		return nil, domain.ErrTriggerNotFound
	}
	tc := *t
	return &tc, nil
}

// ListTriggers 列出所有触发器。
func (s *MemoryStore) ListTriggers(_ context.Context) ([]*domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	triggers := make([]*domain.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		tc := *t
		triggers = append(triggers, &tc)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].CreatedAt.Before(triggers[j].CreatedAt) })
	return triggers, nil
}

// DeleteTrigger 删除工作流的触发器。
func (s *MemoryStore) DeleteTrigger(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[workflowID]; !ok {
		return domain.ErrTriggerNotFound
	}
	delete(s.triggers, workflowID)
	return nil
}

// UpdateTriggerFired 持久化触发器的最近触发时间。
func (s *MemoryStore) UpdateTriggerFired(_ context.Context, triggerID string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.triggers {
		if t.ID == triggerID {
			ft := firedAt
			t.LastFiredAt = &ft
			return nil
		}
	}
	return domain.ErrTriggerNotFound
}

// ==================== 执行记录 ====================

// CreateRun 写入一条新的执行记录。
func (s *MemoryStore) CreateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	cp.StepOutcomes = append([]domain.StepOutcome(nil), run.StepOutcomes...)
	s.runs[run.ID] = &cp
	return nil
}

// AppendStepOutcome 追加一条步骤结果。
func (s *MemoryStore) AppendStepOutcome(_ context.Context, runID string, so domain.StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return domain.ErrRunNotFound
	}
	run.StepOutcomes = append(run.StepOutcomes, so)
	return nil
}

// CompleteRun 写入执行记录的终态。已终结的记录不再改写。
func (s *MemoryStore) CompleteRun(_ context.Context, runID string, status domain.RunStatus, errMsg string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status != domain.RunStatusRunning {
		return domain.ErrRunNotFound
	}
	run.Status = status
	run.Error = errMsg
	et := endedAt
	run.EndedAt = &et
	return nil
}

// GetRunByID 按 ID 查询执行记录。
func (s *MemoryStore) GetRunByID(_ context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	cp := *run
	cp.StepOutcomes = append([]domain.StepOutcome(nil), run.StepOutcomes...)
	return &cp, nil
}

// ListRuns 分页列出执行记录，按开始时间倒序。
func (s *MemoryStore) ListRuns(_ context.Context, workflowID string, offset, limit int) ([]*domain.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if workflowID != "" && run.WorkflowID != workflowID {
			continue
		}
		cp := *run
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	total := len(all)
	if offset >= total {
		return []*domain.Run{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// LatestResumableRun 返回工作流最近一条 partially-completed 记录。
func (s *MemoryStore) LatestResumableRun(ctx context.Context, workflowID string) (*domain.Run, error) {
	s.mu.RLock()
	var latest *domain.Run
	for _, run := range s.runs {
		if run.WorkflowID != workflowID || run.Status != domain.RunStatusPartial {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	s.mu.RUnlock()

	if latest == nil {
		return nil, domain.ErrRunNotResumable
	}
	return s.GetRunByID(ctx, latest.ID)
}

// MarkStaleRunsAborted 将残留的 running 记录标记为 aborted。
func (s *MemoryStore) MarkStaleRunsAborted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := time.Now()
	for _, run := range s.runs {
		if run.Status == domain.RunStatusRunning {
			run.Status = domain.RunStatusAborted
			run.Error = "daemon restarted during run"
			et := now
			run.EndedAt = &et
			n++
		}
	}
	return n, nil
}

// ==================== 回放租约 ====================

// TryLockWorkflow 尝试获取工作流的回放租约。
func (s *MemoryStore) TryLockWorkflow(id string) bool { return s.leases.tryLock(id) }

// UnlockWorkflow 释放工作流的回放租约。
func (s *MemoryStore) UnlockWorkflow(id string) { s.leases.unlock(id) }

// Ping 内存存储始终可用。
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close 内存存储无需清理。
func (s *MemoryStore) Close() error { return nil }
