// Package storage 提供了工作流与执行记录的持久化层。
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/domain"
)

// uniqueViolation 是 PostgreSQL 唯一约束冲突的错误码
const uniqueViolation = "23505"

// schema 是存储层的建表语句，启动时幂等执行。
const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	version     INT  NOT NULL DEFAULT 1,
	steps       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS triggers (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL UNIQUE REFERENCES workflows(id) ON DELETE CASCADE,
	kind          TEXT NOT NULL,
	expr          TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL DEFAULT '',
	coalesce_policy TEXT NOT NULL DEFAULT 'drop',
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	last_fired_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	workflow_id      TEXT NOT NULL,
	workflow_name    TEXT NOT NULL,
	workflow_version INT  NOT NULL,
	status           TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	trigger_source   TEXT NOT NULL DEFAULT 'manual',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, started_at DESC);

CREATE TABLE IF NOT EXISTS step_outcomes (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx        INT  NOT NULL,
	step_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	attempts   INT  NOT NULL DEFAULT 1,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, idx)
);
`

// PostgresStore 是基于 PostgreSQL 的持久化实现。
// 步骤序列以 JSONB 存储在 workflows 表中，执行记录拆分为 runs 与
// step_outcomes 两张表以保证仅追加语义。
type PostgresStore struct {
	db     *sql.DB
	leases *runLeases
}

// NewPostgresStore 创建 PostgreSQL 存储并初始化表结构。
//
// 参数：
//   - cfg: PostgreSQL 连接配置
//
// 返回值：
//   - *PostgresStore: 存储实例
//   - error: 连接或建表失败时返回错误
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", domain.ErrStorageQuery, err)
	}

	return &PostgresStore{db: db, leases: newRunLeases()}, nil
}

// ==================== 工作流 ====================

// CreateWorkflow 保存一个新工作流。名称冲突返回 ErrWorkflowExists。
func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("%w: marshal steps: %v", domain.ErrStorageQuery, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, version, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wf.ID, wf.Name, wf.Description, wf.Version, steps, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrWorkflowExists
		}
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// GetWorkflowByID 按 ID 查询工作流。
func (s *PostgresStore) GetWorkflowByID(ctx context.Context, id string) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, version, steps, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	return s.scanWorkflow(ctx, row)
}

// GetWorkflowByName 按名称查询工作流。
func (s *PostgresStore) GetWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, version, steps, created_at, updated_at
		FROM workflows WHERE name = $1`, name)
	return s.scanWorkflow(ctx, row)
}

// scanWorkflow 从单行结果扫描工作流并加载其触发器。
func (s *PostgresStore) scanWorkflow(ctx context.Context, row *sql.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var steps []byte
	err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.Version, &steps, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	if err := json.Unmarshal(steps, &wf.Steps); err != nil {
		return nil, fmt.Errorf("%w: unmarshal steps: %v", domain.ErrStorageQuery, err)
	}

	// 触发器可选，不存在时保持为 nil
	t, err := s.GetTriggerByWorkflow(ctx, wf.ID)
	if err == nil {
		wf.Trigger = t
	} else if !errors.Is(err, domain.ErrTriggerNotFound) {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows 分页列出工作流。
func (s *PostgresStore) ListWorkflows(ctx context.Context, offset, limit int) ([]*domain.Workflow, int, error) {
	total, err := s.CountWorkflows(ctx)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, version, steps, created_at, updated_at
		FROM workflows ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	workflows := make([]*domain.Workflow, 0)
	for rows.Next() {
		var wf domain.Workflow
		var steps []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.Version, &steps, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
		}
		if err := json.Unmarshal(steps, &wf.Steps); err != nil {
			return nil, 0, fmt.Errorf("%w: unmarshal steps: %v", domain.ErrStorageQuery, err)
		}
		workflows = append(workflows, &wf)
	}
	return workflows, total, rows.Err()
}

// CountWorkflows 返回已保存的工作流总数。
func (s *PostgresStore) CountWorkflows(ctx context.Context) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return total, nil
}

// UpdateWorkflow 覆盖工作流定义，版本号递增。回放进行中返回 ErrWorkflowLocked。
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	if s.leases.isLocked(wf.ID) {
		return domain.ErrWorkflowLocked
	}

	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("%w: marshal steps: %v", domain.ErrStorageQuery, err)
	}

	// 版本号以存储中的为准递增，断点续跑靠它识别定义漂移
	wf.UpdatedAt = time.Now()
	err = s.db.QueryRowContext(ctx, `
		UPDATE workflows SET description = $2, version = version + 1, steps = $3, updated_at = $4
		WHERE id = $1
		RETURNING version`,
		wf.ID, wf.Description, steps, wf.UpdatedAt).Scan(&wf.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrWorkflowNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// DeleteWorkflow 删除工作流及其触发器。
// 执行记录默认保留，purge 为 true 时一并清除。
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string, purge bool) error {
	if s.leases.isLocked(id) {
		return domain.ErrWorkflowLocked
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkflowNotFound
	}
	if !purge {
		return nil
	}
	// 执行记录没有外键到 workflows，清除需要单独执行
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE workflow_id = $1`, id); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// ==================== 触发器 ====================

// SaveTrigger 为工作流挂载触发器。已有活跃触发器返回 ErrTriggerConflict。
func (s *PostgresStore) SaveTrigger(ctx context.Context, t *domain.Trigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, workflow_id, kind, expr, path, coalesce_policy, enabled, last_fired_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.WorkflowID, t.Kind, t.Expr, t.Path, coalesceOrDefault(t.Coalesce), t.Enabled, t.LastFiredAt, t.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrTriggerConflict
		}
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// GetTriggerByWorkflow 查询工作流的触发器。
func (s *PostgresStore) GetTriggerByWorkflow(ctx context.Context, workflowID string) (*domain.Trigger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, kind, expr, path, coalesce_policy, enabled, last_fired_at, created_at
		FROM triggers WHERE workflow_id = $1`, workflowID)

	t, err := scanTrigger(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return t, nil
}

// ListTriggers 列出所有触发器。
func (s *PostgresStore) ListTriggers(ctx context.Context) ([]*domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, kind, expr, path, coalesce_policy, enabled, last_fired_at, created_at
		FROM triggers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	triggers := make([]*domain.Trigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// scanTrigger 从一行结果扫描触发器。
func scanTrigger(scan func(dest ...any) error) (*domain.Trigger, error) {
	var t domain.Trigger
	var lastFired sql.NullTime
	if err := scan(&t.ID, &t.WorkflowID, &t.Kind, &t.Expr, &t.Path, &t.Coalesce, &t.Enabled, &lastFired, &t.CreatedAt); err != nil {
		return nil, err
	}
	if lastFired.Valid {
		t.LastFiredAt = &lastFired.Time
	}
	return &t, nil
}

// DeleteTrigger 删除工作流的触发器。
func (s *PostgresStore) DeleteTrigger(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTriggerNotFound
	}
	return nil
}

// UpdateTriggerFired 持久化触发器的最近触发时间。
func (s *PostgresStore) UpdateTriggerFired(ctx context.Context, triggerID string, firedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE triggers SET last_fired_at = $2 WHERE id = $1`, triggerID, firedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// coalesceOrDefault 返回策略，未设置时取默认的 drop。
func coalesceOrDefault(p domain.CoalescePolicy) domain.CoalescePolicy {
	if p == "" {
		return domain.CoalesceDrop
	}
	return p
}

// ==================== 执行记录 ====================

// CreateRun 写入一条新的执行记录。
func (s *PostgresStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, workflow_name, workflow_version, status, error, trigger_source, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.WorkflowID, run.WorkflowName, run.WorkflowVersion, run.Status, run.Error, run.Trigger, run.StartedAt, run.EndedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// AppendStepOutcome 追加一条步骤结果。
func (s *PostgresStore) AppendStepOutcome(ctx context.Context, runID string, so domain.StepOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_outcomes (run_id, idx, step_id, kind, outcome, attempts, confidence, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		runID, so.Index, so.StepID, so.Kind, so.Outcome, so.Attempts, so.Confidence, so.Error, so.StartedAt, so.EndedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// CompleteRun 写入执行记录的终态。终态只写一次：已终结的记录不再改写。
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, errMsg string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, error = $3, ended_at = $4
		WHERE id = $1 AND status = $5`,
		runID, status, errMsg, endedAt, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// GetRunByID 按 ID 查询执行记录及其步骤结果。
func (s *PostgresStore) GetRunByID(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workflow_name, workflow_version, status, error, trigger_source, started_at, ended_at
		FROM runs WHERE id = $1`, id)

	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, idx, kind, outcome, attempts, confidence, error, started_at, ended_at
		FROM step_outcomes WHERE run_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	for rows.Next() {
		var so domain.StepOutcome
		if err := rows.Scan(&so.StepID, &so.Index, &so.Kind, &so.Outcome, &so.Attempts, &so.Confidence, &so.Error, &so.StartedAt, &so.EndedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
		}
		run.StepOutcomes = append(run.StepOutcomes, so)
	}
	return run, rows.Err()
}

// scanRun 从一行结果扫描执行记录（不含步骤结果）。
func scanRun(scan func(dest ...any) error) (*domain.Run, error) {
	var run domain.Run
	var endedAt sql.NullTime
	if err := scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &run.WorkflowVersion, &run.Status, &run.Error, &run.Trigger, &run.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// ListRuns 分页列出执行记录，workflowID 为空时列出全部。
func (s *PostgresStore) ListRuns(ctx context.Context, workflowID string, offset, limit int) ([]*domain.Run, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE ($1 = '' OR workflow_id = $1)`, workflowID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, workflow_name, workflow_version, status, error, trigger_source, started_at, ended_at
		FROM runs WHERE ($1 = '' OR workflow_id = $1)
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`, workflowID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	runs := make([]*domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// LatestResumableRun 返回工作流最近一条 partially-completed 记录。
func (s *PostgresStore) LatestResumableRun(ctx context.Context, workflowID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workflow_name, workflow_version, status, error, trigger_source, started_at, ended_at
		FROM runs WHERE workflow_id = $1 AND status = $2
		ORDER BY started_at DESC LIMIT 1`, workflowID, domain.RunStatusPartial)

	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotResumable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	return s.GetRunByID(ctx, run.ID)
}

// MarkStaleRunsAborted 将残留的 running 记录标记为 aborted。
// 守护进程崩溃时进行中的回放不会留下终态，启动时调用该方法补齐。
func (s *PostgresStore) MarkStaleRunsAborted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, error = 'daemon restarted during run', ended_at = NOW()
		WHERE status = $2`,
		domain.RunStatusAborted, domain.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ==================== 回放租约 ====================

// TryLockWorkflow 尝试获取工作流的回放租约。
func (s *PostgresStore) TryLockWorkflow(id string) bool { return s.leases.tryLock(id) }

// UnlockWorkflow 释放工作流的回放租约。
func (s *PostgresStore) UnlockWorkflow(id string) { s.leases.unlock(id) }

// Ping 检查数据库连接是否可用。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
