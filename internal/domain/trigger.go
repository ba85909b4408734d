// Package domain 定义了桌面自动化工作流引擎的核心领域模型。
package domain

import "time"

// TriggerKind 表示触发器类型
type TriggerKind string

const (
	// TriggerKindCron 时间触发，使用 cron 表达式描述调度
	TriggerKindCron TriggerKind = "cron"
	// TriggerKindEvent 事件触发，监听文件系统路径变化
	TriggerKindEvent TriggerKind = "event"
)

// CoalescePolicy 表示触发器命中时若同一工作流已有回放在进行中的合并策略
type CoalescePolicy string

const (
	// CoalesceDrop 丢弃本次触发并记录跳过日志（默认）
	CoalesceDrop CoalescePolicy = "drop"
	// CoalesceQueue 排队一次，待进行中的回放结束后补发（至多排队一个）
	CoalesceQueue CoalescePolicy = "queue"
)

// Trigger 工作流的触发器配置。
// 归属于其挂载的工作流；每个工作流至多一个活跃触发器（违反时返回 ErrTriggerConflict）。
type Trigger struct {
	// ID 触发器唯一标识符
	ID string `json:"id"`
	// WorkflowID 所属工作流
	WorkflowID string `json:"workflow_id"`
	// Kind 触发器类型
	Kind TriggerKind `json:"kind"`
	// Expr cron 表达式（cron 触发器）
	Expr string `json:"expr,omitempty"`
	// Path 监听的文件系统路径（event 触发器）
	Path string `json:"path,omitempty"`
	// Coalesce 并发触发合并策略
	Coalesce CoalescePolicy `json:"coalesce,omitempty"`
	// Enabled 是否启用
	Enabled bool `json:"enabled"`
	// LastFiredAt 最近一次触发时间。
	// 进程重启后用于补发：停机期间错过的调度在启动后的首个 tick 补发一次（而非每个错过的间隔各一次）
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
}

// Validate 校验触发器配置。
func (t *Trigger) Validate() error {
	switch t.Kind {
	case TriggerKindCron:
		if t.Expr == "" {
			return ErrInvalidTrigger
		}
	case TriggerKindEvent:
		if t.Path == "" {
			return ErrInvalidTrigger
		}
	default:
		return ErrInvalidTrigger
	}
	switch t.Coalesce {
	case "", CoalesceDrop, CoalesceQueue:
	default:
		return ErrInvalidTrigger
	}
	return nil
}
