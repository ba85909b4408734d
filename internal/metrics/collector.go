// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义守护进程的关键指标（回放、定位、调度器等），便于在各模块复用并保持标签一致。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装守护进程运行时指标集合。
// 所有字段均为 Prometheus 指标类型，由各模块直接更新。
//
// 指标分类:
//   - 回放指标: 跟踪回放次数、耗时与步骤结果
//   - 定位指标: 监控元素定位的耗时与置信度
//   - 调度器指标: 监控触发器点火与跳过情况
//   - 协调器指标: 监控执行锁的等待时间
type Metrics struct {
	// ========== 回放相关指标 ==========

	// RunsTotal 回放总次数计数器
	// 标签: status (completed/partially-completed/aborted)
	RunsTotal *prometheus.CounterVec

	// RunDuration 回放耗时直方图（单位：秒）
	RunDuration prometheus.Histogram

	// RunsInflight 进行中的回放数量
	RunsInflight prometheus.Gauge

	// StepsTotal 步骤执行总次数计数器
	// 标签: kind, outcome
	StepsTotal *prometheus.CounterVec

	// StepRetriesTotal 步骤重试总次数计数器
	StepRetriesTotal prometheus.Counter

	// ========== 定位相关指标 ==========

	// LocateDuration 元素定位耗时直方图（单位：毫秒）
	// 标签: tier (accessibility/oracle/window/scan/position)
	LocateDuration *prometheus.HistogramVec

	// LocateConfidence 定位置信度直方图（0.0 - 1.0）
	LocateConfidence prometheus.Histogram

	// ========== 工作流相关指标 ==========

	// WorkflowsTotal 已保存的工作流总数
	WorkflowsTotal prometheus.Gauge

	// ========== 调度器相关指标 ==========

	// TriggerFiresTotal 触发器点火总次数计数器
	// 标签: kind (cron/event), result (started/queued/dropped)
	TriggerFiresTotal *prometheus.CounterVec

	// TriggersActive 当前挂载的触发器数量
	TriggersActive prometheus.Gauge

	// ========== 协调器相关指标 ==========

	// CoordinatorWaitSeconds 获取执行上下文的等待耗时直方图（单位：秒）
	CoordinatorWaitSeconds prometheus.Histogram
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of workflow replays",
			},
			[]string{"status"},
		),
		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Workflow replay duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		RunsInflight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_inflight",
				Help:      "Number of replays currently executing",
			},
		),
		StepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of executed steps",
			},
			[]string{"kind", "outcome"},
		),
		StepRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
		),
		LocateDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "locate_duration_ms",
				Help:      "Element locate duration in milliseconds",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"tier"},
		),
		LocateConfidence: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "locate_confidence",
				Help:      "Element locate match confidence",
				Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99, 1.0},
			},
		),
		WorkflowsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflows_total",
				Help:      "Total number of stored workflows",
			},
		),
		TriggerFiresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_fires_total",
				Help:      "Total number of trigger firings",
			},
			[]string{"kind", "result"},
		),
		TriggersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "triggers_active",
				Help:      "Number of mounted triggers",
			},
		),
		CoordinatorWaitSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "coordinator_wait_seconds",
				Help:      "Time spent waiting for the execution context",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 15, 60, 300},
			},
		),
	}
}
