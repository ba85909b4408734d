// Package recorder 实现了动作录制器：观察一次人工演示的输入事件，
// 将其转换为可持久化的工作流步骤序列。
//
// 录制器不直接挂钩系统输入，而是消费外部事件源推送的原始事件
// （守护进程的 HTTP 录制接口，或平台相关的输入钩子）。
// 每个点击事件在发生时刻截屏并构建目标元素描述符；相邻的字符
// 输入在时间窗口内合并为单个 type-text 步骤。
package recorder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/desktop"
	"github.com/oriys/mimic/internal/domain"
	"github.com/oriys/mimic/internal/locator"
)

// RawEventKind 表示原始输入事件的类型
type RawEventKind string

const (
	// EventMouseDown 鼠标按下
	EventMouseDown RawEventKind = "mouse-down"
	// EventKeyChar 可打印字符输入
	EventKeyChar RawEventKind = "key-char"
	// EventKeyCombo 带修饰键的按键或命名键（enter、tab 等）
	EventKeyCombo RawEventKind = "key-combo"
)

// RawEvent 是事件源推送的单个原始输入事件。
type RawEvent struct {
	// Kind 事件类型
	Kind RawEventKind `json:"kind"`
	// X 指针横坐标（mouse-down）
	X int `json:"x,omitempty"`
	// Y 指针纵坐标（mouse-down）
	Y int `json:"y,omitempty"`
	// Button 鼠标按钮（mouse-down），默认 left
	Button string `json:"button,omitempty"`
	// Double 是否双击（mouse-down）
	Double bool `json:"double,omitempty"`
	// Char 输入的字符（key-char）
	Char string `json:"char,omitempty"`
	// Key 命名按键（key-combo）
	Key string `json:"key,omitempty"`
	// Modifiers 修饰键列表（key-combo）
	Modifiers []string `json:"modifiers,omitempty"`
	// At 事件发生时间，零值时取服务端时间
	At time.Time `json:"at,omitempty"`
}

// session 是一次进行中的录制会话。
type session struct {
	name      string
	steps     []domain.Step
	pending   strings.Builder // 待合并的字符输入
	pendingAt time.Time       // 最近一次字符输入的时间
	startedAt time.Time
}

// Recorder 动作录制器。
type Recorder struct {
	driver  desktop.Driver
	locator *locator.Locator
	cfg     config.RecorderConfig
	logger  *logrus.Logger

	mu      sync.Mutex
	current *session
}

// New 创建动作录制器。
func New(driver desktop.Driver, loc *locator.Locator, cfg config.RecorderConfig, logger *logrus.Logger) *Recorder {
	return &Recorder{driver: driver, locator: loc, cfg: cfg, logger: logger}
}

// Start 开启一次录制会话。已有会话进行中时返回 ErrRecordingInProgress。
func (r *Recorder) Start(name string) error {
	if name == "" {
		return domain.ErrInvalidWorkflowName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return domain.ErrRecordingInProgress
	}
	r.current = &session{name: name, startedAt: time.Now()}
	r.logger.WithField("workflow", name).Info("录制开始")
	return nil
}

// Recording 返回当前是否有录制会话进行中。
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Observe 处理一个原始输入事件。
// 没有进行中的会话时返回 ErrNoRecording。
func (r *Recorder) Observe(ctx context.Context, ev RawEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return domain.ErrNoRecording
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	switch ev.Kind {
	case EventMouseDown:
		return r.observeClick(ctx, ev)
	case EventKeyChar:
		r.observeChar(ev)
		return nil
	case EventKeyCombo:
		return r.observeCombo(ev)
	default:
		r.logger.WithField("kind", ev.Kind).Warn("未知的输入事件类型，已忽略")
		return nil
	}
}

// observeClick 处理鼠标点击：截屏并为点击位置构建元素描述符。
// 描述符在点击时刻构建，之后屏幕变化不影响已录制的步骤。
func (r *Recorder) observeClick(ctx context.Context, ev RawEvent) error {
	r.flushPending()

	screen, err := r.driver.CaptureScreen()
	if err != nil {
		return err
	}
	desc := r.locator.Describe(ctx, screen, ev.X, ev.Y)

	button := ev.Button
	if button == "" {
		button = "left"
	}
	r.appendStep(domain.Step{
		ID:     uuid.NewString(),
		Kind:   domain.StepKindClick,
		Target: desc,
		Button: button,
	})

	if desc.PositionOnly {
		r.logger.WithFields(logrus.Fields{
			"x": ev.X,
			"y": ev.Y,
		}).Warn("点击位置无法提取元素指纹，步骤降级为仅位置描述符")
	}
	return nil
}

// observeChar 处理字符输入：在合并窗口内累积到同一 type-text 步骤。
func (r *Recorder) observeChar(ev RawEvent) {
	s := r.current
	if s.pending.Len() > 0 && ev.At.Sub(s.pendingAt) > r.cfg.CoalesceWindow {
		r.flushPending()
	}
	s.pending.WriteString(ev.Char)
	s.pendingAt = ev.At
}

// observeCombo 处理命名按键或组合键。
// 组合键总是先冲刷待合并的文本，保持事件的录制顺序。
func (r *Recorder) observeCombo(ev RawEvent) error {
	if ev.Key == "" {
		return domain.ErrInvalidStep
	}
	r.flushPending()
	r.appendStep(domain.Step{
		ID:        uuid.NewString(),
		Kind:      domain.StepKindKeyCombo,
		Key:       ev.Key,
		Modifiers: ev.Modifiers,
	})
	return nil
}

// flushPending 将累积的字符输入冲刷为一个 type-text 步骤。
func (r *Recorder) flushPending() {
	s := r.current
	if s.pending.Len() == 0 {
		return
	}
	r.appendStep(domain.Step{
		ID:   uuid.NewString(),
		Kind: domain.StepKindTypeText,
		Text: s.pending.String(),
	})
	s.pending.Reset()
}

// appendStep 追加一个步骤并检查会话上限。
func (r *Recorder) appendStep(step domain.Step) {
	s := r.current
	if len(s.steps) >= r.cfg.MaxSteps {
		r.logger.WithField("max_steps", r.cfg.MaxSteps).Warn("录制步骤数达到上限，后续事件被丢弃")
		return
	}
	s.steps = append(s.steps, step)
}

// Stop 结束录制会话并返回组装好的工作流。
// 会话没有捕获到任何事件时返回 ErrEmptyRecording，不产生工作流。
func (r *Recorder) Stop() (*domain.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil, domain.ErrNoRecording
	}
	s := r.current
	r.current = nil

	r.flushSession(s)
	if len(s.steps) == 0 {
		r.logger.WithField("workflow", s.name).Warn("录制结束但没有捕获到任何事件")
		return nil, domain.ErrEmptyRecording
	}

	now := time.Now()
	wf := &domain.Workflow{
		ID:        uuid.NewString(),
		Name:      s.name,
		Version:   1,
		Steps:     s.steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.logger.WithFields(logrus.Fields{
		"workflow": s.name,
		"steps":    len(s.steps),
		"duration": now.Sub(s.startedAt),
	}).Info("录制完成")
	return wf, nil
}

// Abort 放弃当前录制会话，不产生工作流。
func (r *Recorder) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return domain.ErrNoRecording
	}
	r.logger.WithField("workflow", r.current.name).Info("录制被放弃")
	r.current = nil
	return nil
}

// flushSession 冲刷指定会话的待合并文本（Stop 用，此时 current 已摘除）。
func (r *Recorder) flushSession(s *session) {
	if s.pending.Len() == 0 {
		return
	}
	if len(s.steps) < r.cfg.MaxSteps {
		s.steps = append(s.steps, domain.Step{
			ID:   uuid.NewString(),
			Kind: domain.StepKindTypeText,
			Text: s.pending.String(),
		})
	}
	s.pending.Reset()
}
