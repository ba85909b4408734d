// Package domain 定义了桌面自动化工作流引擎的核心领域模型。
package domain

import "time"

// ==================== 回放状态类型 ====================

// RunStatus 表示一次回放的终态（running 为唯一的非终态）
type RunStatus string

const (
	// RunStatusRunning 回放进行中
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted 回放完成，所有非跳过步骤成功
	RunStatusCompleted RunStatus = "completed"
	// RunStatusPartial 回放部分完成，某个关键步骤失败导致中止
	RunStatusPartial RunStatus = "partially-completed"
	// RunStatusAborted 回放被取消
	RunStatusAborted RunStatus = "aborted"
)

// Outcome 表示单个步骤的执行结果
type Outcome string

const (
	// OutcomeSucceeded 步骤首次尝试即成功
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeRetried 步骤经重试后成功
	OutcomeRetried Outcome = "retried-then-succeeded"
	// OutcomeFailed 步骤重试耗尽仍失败
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped 可选步骤失败后被跳过，或被分支条件跳过
	OutcomeSkipped Outcome = "skipped"
)

// ==================== 执行记录 ====================

// StepOutcome 单个步骤的执行结果记录
type StepOutcome struct {
	// StepID 步骤标识符
	StepID string `json:"step_id"`
	// Index 步骤在工作流中的序号（从 0 开始）
	Index int `json:"index"`
	// Kind 步骤类型
	Kind StepKind `json:"kind"`
	// Outcome 执行结果
	Outcome Outcome `json:"outcome"`
	// Attempts 实际尝试次数
	Attempts int `json:"attempts"`
	// Confidence 定位器返回的匹配置信度（无目标步骤为 0）
	Confidence float64 `json:"confidence,omitempty"`
	// Error 失败原因（失败或跳过时）
	Error string `json:"error,omitempty"`
	// StartedAt 步骤开始时间
	StartedAt time.Time `json:"started_at"`
	// EndedAt 步骤结束时间
	EndedAt time.Time `json:"ended_at"`
}

// Run 一次回放的执行记录。
// 由 Workflow Store 持有，写入后不可变；每个工作流的历史为仅追加。
type Run struct {
	// ID 回放唯一标识符
	ID string `json:"id"`
	// WorkflowID 所属工作流
	WorkflowID string `json:"workflow_id"`
	// WorkflowName 工作流名称（冗余保存，便于历史展示）
	WorkflowName string `json:"workflow_name"`
	// WorkflowVersion 回放读取的工作流版本（冻结快照）
	WorkflowVersion int `json:"workflow_version"`
	// Status 回放状态
	Status RunStatus `json:"status"`
	// StepOutcomes 按步骤序号排列的结果列表
	StepOutcomes []StepOutcome `json:"step_outcomes,omitempty"`
	// Error 回放级错误摘要（部分完成或中止时）
	Error string `json:"error,omitempty"`
	// Trigger 触发来源：manual、cron、event、remote
	Trigger string `json:"trigger,omitempty"`
	// StartedAt 开始时间
	StartedAt time.Time `json:"started_at"`
	// EndedAt 结束时间（终态时非空）
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// IsTerminal 返回回放是否已到达终态。
func (r *Run) IsTerminal() bool {
	return r.Status != RunStatusRunning
}

// RunListResponse 回放历史列表响应
type RunListResponse struct {
	Runs  []*Run `json:"runs"`
	Total int    `json:"total"`
}
