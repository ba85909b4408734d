// Package replay 实现了回放执行引擎。
package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/desktop"
	"github.com/oriys/mimic/internal/domain"
	"github.com/oriys/mimic/internal/locator"
	"github.com/oriys/mimic/internal/metrics"
)

// stepResult 是单个步骤执行后的内部结果。
type stepResult struct {
	outcome domain.StepOutcome
	// skip 是 branch-on-condition 步骤在条件不满足时要求跳过的步骤数
	skip int
}

// Executor 步骤执行器。
// 每个步骤经历 定位 → 执行 → 校验 三个阶段，任一阶段失败都会
// 以指数退避重试整个步骤，直到尝试次数耗尽。
type Executor struct {
	driver  desktop.Driver
	locator *locator.Locator
	config  config.ReplayConfig
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewExecutor 创建步骤执行器。
func NewExecutor(driver desktop.Driver, loc *locator.Locator, config config.ReplayConfig, logger *logrus.Logger) *Executor {
	return &Executor{driver: driver, locator: loc, config: config, logger: logger}
}

// runResult 是一次回放的最终结果。
type runResult struct {
	status domain.RunStatus
	errMsg string
}

// ExecuteRun 按录制顺序执行冻结的工作流副本。
// 每个步骤的结果通过 onStep 上报；返回回放终态。
//
// resumeFrom 大于 0 表示从断点继续：先校验断点前最后一个成功步骤的
// 后置条件，桌面状态已经漂移时放弃断点、从头执行。
func (e *Executor) ExecuteRun(ctx context.Context, run *domain.Run, wf *domain.Workflow, resumeFrom int, onStep func(domain.StepOutcome)) runResult {
	log := e.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"workflow": wf.Name,
	})

	start := resumeFrom
	if start > 0 {
		if !e.resumePointValid(ctx, wf, start) {
			log.WithField("resume_from", start).Warn("断点状态校验失败，从头执行")
			start = 0
		} else {
			log.WithField("resume_from", start).Info("从断点继续回放")
		}
	}

	for i := start; i < len(wf.Steps); i++ {
		// 步骤之间检查取消；步骤内部由超时上下文负责
		if ctx.Err() != nil {
			log.Info("回放被取消")
			return runResult{status: domain.RunStatusAborted, errMsg: "run cancelled"}
		}

		step := &wf.Steps[i]
		res := e.executeStep(ctx, step, i)
		onStep(res.outcome)

		if res.outcome.Outcome == domain.OutcomeFailed {
			if step.Optional {
				// 可选步骤失败不中止回放，结果改记为 skipped
				skipped := res.outcome
				skipped.Outcome = domain.OutcomeSkipped
				log.WithFields(logrus.Fields{
					"step":  step.ID,
					"index": i,
					"error": skipped.Error,
				}).Warn("可选步骤失败，跳过")
				continue
			}
			// 取消导致的失败记为 aborted 而非 partially-completed
			if ctx.Err() != nil {
				return runResult{status: domain.RunStatusAborted, errMsg: "run cancelled"}
			}
			return runResult{
				status: domain.RunStatusPartial,
				errMsg: fmt.Sprintf("step %d (%s) failed: %s", i, step.Kind, res.outcome.Error),
			}
		}

		// 分支条件不满足：向前跳过指定数量的步骤，并为它们记录 skipped
		if res.skip > 0 {
			for j := i + 1; j <= i+res.skip && j < len(wf.Steps); j++ {
				now := time.Now()
				onStep(domain.StepOutcome{
					StepID:    wf.Steps[j].ID,
					Index:     j,
					Kind:      wf.Steps[j].Kind,
					Outcome:   domain.OutcomeSkipped,
					Error:     "skipped by branch condition",
					StartedAt: now,
					EndedAt:   now,
				})
			}
			i += res.skip
		}
	}

	return runResult{status: domain.RunStatusCompleted}
}

// resumePointValid 校验断点处的桌面状态是否仍然成立。
// 断点前最后一个成功步骤声明了后置条件时重新定位一次；
// 没有声明后置条件的断点直接接受。
func (e *Executor) resumePointValid(ctx context.Context, wf *domain.Workflow, start int) bool {
	prev := &wf.Steps[start-1]
	if prev.PostCondition == nil {
		return true
	}
	screen, err := e.driver.CaptureScreen()
	if err != nil {
		return false
	}
	_, err = e.locator.Locate(ctx, screen, prev.PostCondition)
	return err == nil
}

// executeStep 执行单个步骤，带重试与退避。
func (e *Executor) executeStep(ctx context.Context, step *domain.Step, index int) stepResult {
	log := e.logger.WithFields(logrus.Fields{
		"step":  step.ID,
		"index": index,
		"kind":  step.Kind,
	})

	outcome := domain.StepOutcome{
		StepID:    step.ID,
		Index:     index,
		Kind:      step.Kind,
		StartedAt: time.Now(),
	}

	timeout := e.config.StepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			interval := e.retryInterval(attempt)
			log.WithFields(logrus.Fields{
				"attempt":  attempt,
				"interval": interval,
			}).Info("重试步骤")

			select {
			case <-ctx.Done():
				outcome.Attempts = attempt - 1
				outcome.Outcome = domain.OutcomeFailed
				outcome.Error = ctx.Err().Error()
				outcome.EndedAt = time.Now()
				return stepResult{outcome: outcome}
			case <-time.After(interval):
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		confidence, skip, err := e.attemptStep(stepCtx, step)
		cancel()

		outcome.Attempts = attempt
		outcome.Confidence = confidence

		if err == nil {
			if attempt > 1 {
				outcome.Outcome = domain.OutcomeRetried
			} else {
				outcome.Outcome = domain.OutcomeSucceeded
			}
			outcome.EndedAt = time.Now()
			return stepResult{outcome: outcome, skip: skip}
		}

		// 单步超时映射到专门的错误，便于历史诊断
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", domain.ErrStepTimeout, timeout)
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("步骤尝试失败")

		// 外层取消不再重试
		if ctx.Err() != nil {
			break
		}
	}

	outcome.Outcome = domain.OutcomeFailed
	outcome.Error = fmt.Sprintf("%v: %v", domain.ErrStepFailed, lastErr)
	outcome.EndedAt = time.Now()
	return stepResult{outcome: outcome}
}

// attemptStep 执行步骤的单次尝试：定位 → 执行 → 校验。
// 返回定位置信度、分支跳过数与错误。
func (e *Executor) attemptStep(ctx context.Context, step *domain.Step) (confidence float64, skip int, err error) {
	// 定位阶段
	var match *locator.Match
	if step.NeedsTarget() {
		screen, err := e.driver.CaptureScreen()
		if err != nil {
			return 0, 0, fmt.Errorf("capture screen: %w", err)
		}
		start := time.Now()
		match, err = e.locator.Locate(ctx, screen, step.Target)
		if err == nil && e.metrics != nil {
			e.metrics.LocateDuration.WithLabelValues(match.Tier).Observe(float64(time.Since(start).Milliseconds()))
		}
		if err != nil {
			// 分支条件元素不存在不是失败，而是条件不满足
			if step.Kind == domain.StepKindBranch && errors.Is(err, domain.ErrElementNotFound) {
				return 0, step.SkipCount, nil
			}
			return 0, 0, err
		}
		confidence = match.Confidence
	}

	// 执行阶段
	switch step.Kind {
	case domain.StepKindClick:
		if err := e.driver.Click(match.X, match.Y, step.Button, false); err != nil {
			return confidence, 0, err
		}
	case domain.StepKindTypeText:
		if err := e.driver.TypeText(step.Text); err != nil {
			return confidence, 0, err
		}
	case domain.StepKindKeyCombo:
		if err := e.driver.KeyTap(step.Key, step.Modifiers); err != nil {
			return confidence, 0, err
		}
	case domain.StepKindWait:
		select {
		case <-ctx.Done():
			return confidence, 0, ctx.Err()
		case <-time.After(time.Duration(step.WaitMs) * time.Millisecond):
		}
	case domain.StepKindVerify, domain.StepKindBranch:
		// 定位成功即是全部工作：verify 确认元素存在，branch 条件成立不跳过
	case domain.StepKindLaunchApp:
		if err := e.driver.LaunchApp(step.App); err != nil {
			return confidence, 0, err
		}
	default:
		return confidence, 0, domain.ErrInvalidStep
	}

	// 校验阶段：后置条件不满足让整个步骤重试
	if step.PostCondition != nil {
		screen, err := e.driver.CaptureScreen()
		if err != nil {
			return confidence, 0, fmt.Errorf("capture screen: %w", err)
		}
		if _, err := e.locator.Locate(ctx, screen, step.PostCondition); err != nil {
			return confidence, 0, fmt.Errorf("post-condition not satisfied: %w", err)
		}
	}

	return confidence, 0, nil
}

// retryInterval 计算第 attempt 次尝试之前的退避间隔。
// 间隔按 RetryInterval × BackoffRate^(attempt-2) 指数增长。
func (e *Executor) retryInterval(attempt int) time.Duration {
	rate := e.config.BackoffRate
	if rate <= 0 {
		rate = 2.0
	}
	interval := float64(e.config.RetryInterval) * math.Pow(rate, float64(attempt-2))
	return time.Duration(interval)
}
