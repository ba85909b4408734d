// Package recorder 实现了动作录制器。
package recorder

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/domain"
	"github.com/oriys/mimic/internal/locator"
)

// fakeDriver 是测试用的桌面驱动：返回固定的合成屏幕。
type fakeDriver struct {
	screen *image.RGBA
}

func (f *fakeDriver) Click(x, y int, button string, double bool) error { return nil }
func (f *fakeDriver) TypeText(text string) error                       { return nil }
func (f *fakeDriver) KeyTap(key string, mods []string) error           { return nil }
func (f *fakeDriver) LaunchApp(name string) error                      { return nil }
func (f *fakeDriver) CaptureScreen() (image.Image, error)              { return f.screen, nil }
func (f *fakeDriver) ScreenSize() (w, h int) {
	b := f.screen.Bounds()
	return b.Dx(), b.Dy()
}

// newTestRecorder 构造录制器及其合成屏幕。
// 屏幕 400x300 纯白，(64,64)-(128,128) 处有一个带渐变纹理的控件。
func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()

	screen := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			screen.Set(x, y, color.White)
		}
	}
	for y := 64; y < 128; y++ {
		for x := 64; x < 128; x++ {
			v := uint8(255 * (x - 64) / 64)
			screen.Set(x, y, color.RGBA{v, v / 2, 255 - v, 255})
		}
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	loc := locator.New(nil, config.LocatorConfig{
		Threshold:          0.6,
		OracleTimeout:      time.Second,
		SearchRadius:       120,
		MaxRadiusDoublings: 3,
	}, logger)

	return New(&fakeDriver{screen: screen}, loc, config.RecorderConfig{
		CoalesceWindow: time.Second,
		MaxSteps:       500,
	}, logger)
}

// TestRecorder_ClickAndType 测试基本的录制流程：
// 一次点击加一段输入产生两个步骤，点击步骤携带元素描述符。
func TestRecorder_ClickAndType(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	if err := r.Start("fill-form"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := r.Observe(ctx, RawEvent{Kind: EventMouseDown, X: 96, Y: 96}); err != nil {
		t.Fatalf("Observe(click) error = %v", err)
	}
	base := time.Now()
	for i, ch := range []string{"h", "i"} {
		ev := RawEvent{Kind: EventKeyChar, Char: ch, At: base.Add(time.Duration(i) * 100 * time.Millisecond)}
		if err := r.Observe(ctx, ev); err != nil {
			t.Fatalf("Observe(char) error = %v", err)
		}
	}

	wf, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := wf.Validate(); err != nil {
		t.Fatalf("recorded workflow invalid: %v", err)
	}

	if len(wf.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(wf.Steps))
	}
	if wf.Steps[0].Kind != domain.StepKindClick {
		t.Errorf("step 0 kind = %q, want click", wf.Steps[0].Kind)
	}
	if wf.Steps[0].Target == nil || wf.Steps[0].Target.PositionOnly {
		t.Error("click over widget should carry a fingerprint descriptor")
	}
	if wf.Steps[0].Button != "left" {
		t.Errorf("button = %q, want left", wf.Steps[0].Button)
	}
	if wf.Steps[1].Kind != domain.StepKindTypeText || wf.Steps[1].Text != "hi" {
		t.Errorf("step 1 = %q %q, want type-text \"hi\"", wf.Steps[1].Kind, wf.Steps[1].Text)
	}
	if wf.Version != 1 {
		t.Errorf("version = %d, want 1", wf.Version)
	}
}

// TestRecorder_EmptyRecording 测试没有捕获事件的会话。
// 结束时返回 ErrEmptyRecording，不产生工作流。
func TestRecorder_EmptyRecording(t *testing.T) {
	r := newTestRecorder(t)

	if err := r.Start("nothing"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	wf, err := r.Stop()
	if !errors.Is(err, domain.ErrEmptyRecording) {
		t.Errorf("Stop() error = %v, want ErrEmptyRecording", err)
	}
	if wf != nil {
		t.Error("Stop() returned a workflow for empty recording")
	}

	// 会话已结束，可以重新开始
	if err := r.Start("again"); err != nil {
		t.Errorf("Start() after empty stop error = %v", err)
	}
}

// TestRecorder_CoalesceWindow 测试字符输入的时间窗口合并。
// 窗口内的字符合并为一个步骤，超过窗口的输入开启新步骤。
func TestRecorder_CoalesceWindow(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	if err := r.Start("typing"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	base := time.Now()
	events := []struct {
		ch string
		at time.Time
	}{
		{"a", base},
		{"b", base.Add(200 * time.Millisecond)}, // 窗口内
		{"c", base.Add(3 * time.Second)},        // 超过 1s 窗口，开启新步骤
		{"d", base.Add(3*time.Second + 100*time.Millisecond)},
	}
	for _, ev := range events {
		if err := r.Observe(ctx, RawEvent{Kind: EventKeyChar, Char: ev.ch, At: ev.at}); err != nil {
			t.Fatalf("Observe(%q) error = %v", ev.ch, err)
		}
	}

	wf, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(wf.Steps))
	}
	if wf.Steps[0].Text != "ab" || wf.Steps[1].Text != "cd" {
		t.Errorf("texts = %q %q, want \"ab\" \"cd\"", wf.Steps[0].Text, wf.Steps[1].Text)
	}
}

// TestRecorder_ComboFlushesText 测试组合键保持事件顺序。
// 组合键之前累积的文本先冲刷为独立步骤。
func TestRecorder_ComboFlushesText(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	if err := r.Start("save-shortcut"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	base := time.Now()
	if err := r.Observe(ctx, RawEvent{Kind: EventKeyChar, Char: "x", At: base}); err != nil {
		t.Fatal(err)
	}
	if err := r.Observe(ctx, RawEvent{Kind: EventKeyCombo, Key: "s", Modifiers: []string{"ctrl"}, At: base.Add(50 * time.Millisecond)}); err != nil {
		t.Fatal(err)
	}

	wf, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(wf.Steps))
	}
	if wf.Steps[0].Kind != domain.StepKindTypeText || wf.Steps[0].Text != "x" {
		t.Errorf("step 0 = %q %q, want type-text \"x\"", wf.Steps[0].Kind, wf.Steps[0].Text)
	}
	if wf.Steps[1].Kind != domain.StepKindKeyCombo || wf.Steps[1].Key != "s" {
		t.Errorf("step 1 = %q %q, want key-combo \"s\"", wf.Steps[1].Kind, wf.Steps[1].Key)
	}
}

// TestRecorder_PositionOnlyClick 测试点击无纹理区域的降级。
// 空白桌面上的点击无法提取指纹，步骤降级为仅位置描述符。
func TestRecorder_PositionOnlyClick(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	if err := r.Start("blank-click"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Observe(ctx, RawEvent{Kind: EventMouseDown, X: 300, Y: 200}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	wf, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !wf.Steps[0].Target.PositionOnly {
		t.Error("click on blank area should produce position-only descriptor")
	}
}

// TestRecorder_SessionGuards 测试会话状态保护。
func TestRecorder_SessionGuards(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	// 没有会话时的操作
	if err := r.Observe(ctx, RawEvent{Kind: EventKeyChar, Char: "a"}); !errors.Is(err, domain.ErrNoRecording) {
		t.Errorf("Observe() error = %v, want ErrNoRecording", err)
	}
	if _, err := r.Stop(); !errors.Is(err, domain.ErrNoRecording) {
		t.Errorf("Stop() error = %v, want ErrNoRecording", err)
	}

	// 重复开始
	if err := r.Start("first"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start("second"); !errors.Is(err, domain.ErrRecordingInProgress) {
		t.Errorf("Start() error = %v, want ErrRecordingInProgress", err)
	}

	// 放弃后可重新开始
	if err := r.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if r.Recording() {
		t.Error("Recording() = true after abort")
	}
	if err := r.Start("third"); err != nil {
		t.Errorf("Start() after abort error = %v", err)
	}
}
