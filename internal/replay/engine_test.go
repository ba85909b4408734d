package replay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/coordinator"
	"github.com/oriys/mimic/internal/domain"
	"github.com/oriys/mimic/internal/locator"
	"github.com/oriys/mimic/internal/storage"
)

// fakeDriver 测试用桌面驱动：记录动作，可按需注入失败。
type fakeDriver struct {
	mu           sync.Mutex
	actions      []string
	typeFailures int
	keyFailures  int
}

func (d *fakeDriver) record(a string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
}

func (d *fakeDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.actions))
	copy(out, d.actions)
	return out
}

func (d *fakeDriver) Click(x, y int, button string, double bool) error {
	d.record(fmt.Sprintf("click:%d,%d", x, y))
	return nil
}

func (d *fakeDriver) TypeText(text string) error {
	d.mu.Lock()
	fail := d.typeFailures > 0
	if fail {
		d.typeFailures--
	}
	d.mu.Unlock()
	if fail {
		return errors.New("injected type failure")
	}
	d.record("type:" + text)
	return nil
}

func (d *fakeDriver) KeyTap(key string, modifiers []string) error {
	d.mu.Lock()
	fail := d.keyFailures > 0
	if fail {
		d.keyFailures--
	}
	d.mu.Unlock()
	if fail {
		return errors.New("injected key failure")
	}
	d.record("key:" + key)
	return nil
}

func (d *fakeDriver) LaunchApp(name string) error {
	d.record("launch:" + name)
	return nil
}

func (d *fakeDriver) CaptureScreen() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img, nil
}

func (d *fakeDriver) ScreenSize() (int, int) {
	return 400, 300
}

func testReplayConfig() config.ReplayConfig {
	return config.ReplayConfig{
		Workers:       2,
		QueueSize:     8,
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
		BackoffRate:   2.0,
		StepTimeout:   2 * time.Second,
	}
}

func newTestEngine(t *testing.T, store storage.Store, driver *fakeDriver, cfg config.ReplayConfig) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	loc := locator.New(nil, config.LocatorConfig{
		Threshold:          0.6,
		OracleTimeout:      100 * time.Millisecond,
		SearchRadius:       60,
		MaxRadiusDoublings: 1,
	}, logger)
	exec := NewExecutor(driver, loc, cfg, logger)
	coord := coordinator.New(nil, nil, config.CoordinatorConfig{
		QuiescenceWindow: time.Millisecond,
		FocusTimeout:     100 * time.Millisecond,
		AcquireTimeout:   2 * time.Second,
	}, logger)
	return NewEngine(cfg, store, exec, coord, nil, nil, logger)
}

func makeWorkflow(t *testing.T, store storage.Store, name string, steps []domain.Step) *domain.Workflow {
	t.Helper()
	wf := &domain.Workflow{
		ID:        uuid.New().String(),
		Name:      name,
		Version:   1,
		Steps:     steps,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}
	return wf
}

func waitForTerminal(t *testing.T, store storage.Store, runID string) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRunByID(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRunByID() error = %v", err)
		}
		if run.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("回放 %s 未在期限内到达终态", runID)
	return nil
}

// TestEngine_RunCompletes 验证一次无失败回放的完整生命周期：
// 步骤按序执行、结果按序落盘、执行租约在结束后释放。
func TestEngine_RunCompletes(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	wf := makeWorkflow(t, store, "login-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindTypeText, Text: "alice"},
		{ID: "s1", Kind: domain.StepKindKeyCombo, Key: "enter"},
		{ID: "s2", Kind: domain.StepKindWait, WaitMs: 1},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.Status != domain.RunStatusRunning {
		t.Errorf("初始状态 = %v, want running", run.Status)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("终态 = %v, want completed (error: %s)", final.Status, final.Error)
	}
	if len(final.StepOutcomes) != 3 {
		t.Fatalf("步骤结果数 = %d, want 3", len(final.StepOutcomes))
	}
	for i, so := range final.StepOutcomes {
		if so.Index != i {
			t.Errorf("结果 %d 的序号 = %d", i, so.Index)
		}
		if so.Outcome != domain.OutcomeSucceeded {
			t.Errorf("步骤 %d 结果 = %v, want succeeded", i, so.Outcome)
		}
		if so.Attempts != 1 {
			t.Errorf("步骤 %d 尝试次数 = %d, want 1", i, so.Attempts)
		}
	}

	actions := driver.recorded()
	if len(actions) != 2 || actions[0] != "type:alice" || actions[1] != "key:enter" {
		t.Errorf("动作序列 = %v", actions)
	}

	// 租约已释放：可以再次加锁
	if !store.TryLockWorkflow(wf.ID) {
		t.Error("回放结束后执行租约未释放")
	}
	store.UnlockWorkflow(wf.ID)
}

// TestEngine_RetriesThenSucceeds 验证步骤失败后按次数上限重试，
// 重试成功的结果记为 retried-then-succeeded。
func TestEngine_RetriesThenSucceeds(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{typeFailures: 2}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	wf := makeWorkflow(t, store, "flaky-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindTypeText, Text: "retry-me"},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("终态 = %v, want completed", final.Status)
	}
	so := final.StepOutcomes[0]
	if so.Outcome != domain.OutcomeRetried {
		t.Errorf("结果 = %v, want retried-then-succeeded", so.Outcome)
	}
	if so.Attempts != 3 {
		t.Errorf("尝试次数 = %d, want 3", so.Attempts)
	}
}

// TestEngine_StepFailurePartial 验证关键步骤耗尽重试后回放以
// partially-completed 终止，后续步骤不再执行。
func TestEngine_StepFailurePartial(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{typeFailures: 100}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	wf := makeWorkflow(t, store, "broken-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindTypeText, Text: "never"},
		{ID: "s1", Kind: domain.StepKindKeyCombo, Key: "enter"},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusPartial {
		t.Fatalf("终态 = %v, want partially-completed", final.Status)
	}
	if len(final.StepOutcomes) != 1 {
		t.Fatalf("步骤结果数 = %d, want 1（失败后中止）", len(final.StepOutcomes))
	}
	so := final.StepOutcomes[0]
	if so.Outcome != domain.OutcomeFailed {
		t.Errorf("结果 = %v, want failed", so.Outcome)
	}
	if so.Attempts != 3 {
		t.Errorf("尝试次数 = %d, want 3", so.Attempts)
	}
	if !strings.Contains(final.Error, "s0") && !strings.Contains(final.Error, "step 0") {
		t.Errorf("回放错误摘要未指向失败步骤: %q", final.Error)
	}
	if len(driver.recorded()) != 0 {
		t.Errorf("失败后仍执行了动作: %v", driver.recorded())
	}
}

// TestEngine_OptionalStepSkipped 验证可选步骤失败不中止回放，结果记为 skipped。
func TestEngine_OptionalStepSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{typeFailures: 100}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	wf := makeWorkflow(t, store, "optional-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindTypeText, Text: "best-effort", Optional: true},
		{ID: "s1", Kind: domain.StepKindKeyCombo, Key: "f5"},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("终态 = %v, want completed", final.Status)
	}
	if final.StepOutcomes[0].Outcome != domain.OutcomeSkipped {
		t.Errorf("可选步骤结果 = %v, want skipped", final.StepOutcomes[0].Outcome)
	}
	if final.StepOutcomes[1].Outcome != domain.OutcomeSucceeded {
		t.Errorf("后续步骤结果 = %v, want succeeded", final.StepOutcomes[1].Outcome)
	}
}

// TestEngine_SingleFlight 验证同一工作流同时最多一次回放，
// 且回放期间的编辑被 WorkflowLocked 拒绝。
func TestEngine_SingleFlight(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	wf := makeWorkflow(t, store, "slow-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindWait, WaitMs: 300},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	// 回放进行中：二次启动被拒
	if _, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual"); !errors.Is(err, domain.ErrRunInProgress) {
		t.Errorf("并发 StartRun() error = %v, want ErrRunInProgress", err)
	}

	// 回放进行中：编辑被拒
	edited := wf.Clone()
	edited.Description = "edited during replay"
	if err := store.UpdateWorkflow(context.Background(), edited); !errors.Is(err, domain.ErrWorkflowLocked) {
		t.Errorf("回放期间 UpdateWorkflow() error = %v, want ErrWorkflowLocked", err)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("终态 = %v, want completed", final.Status)
	}

	// 结束后可以再次启动
	run2, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("回放结束后 StartRun() error = %v", err)
	}
	waitForTerminal(t, store, run2.ID)
}

// TestEngine_Cancel 验证取消是协作式的：当前步骤收尾后回放以 aborted 终止。
func TestEngine_Cancel(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	wf := makeWorkflow(t, store, "cancel-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindWait, WaitMs: 5000},
		{ID: "s1", Kind: domain.StepKindTypeText, Text: "unreached"},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := engine.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusAborted {
		t.Fatalf("终态 = %v, want aborted", final.Status)
	}
	if len(driver.recorded()) != 0 {
		t.Errorf("取消后仍执行了动作: %v", driver.recorded())
	}
	if !store.TryLockWorkflow(wf.ID) {
		t.Error("取消后执行租约未释放")
	}
	store.UnlockWorkflow(wf.ID)
}

// TestEngine_QueueFull 验证执行队列满时回放被拒绝并立即落定为 aborted。
func TestEngine_QueueFull(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	cfg := testReplayConfig()
	cfg.QueueSize = 1
	// 不启动 Worker Pool，队列不被消费
	engine := newTestEngine(t, store, driver, cfg)

	wfA := makeWorkflow(t, store, "queued-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindWait, WaitMs: 1},
	})
	wfB := makeWorkflow(t, store, "rejected-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindWait, WaitMs: 1},
	})

	if _, err := engine.StartRun(context.Background(), wfA.ID, domain.StartRunRequest{}, "manual"); err != nil {
		t.Fatalf("第一次 StartRun() error = %v", err)
	}

	_, err := engine.StartRun(context.Background(), wfB.ID, domain.StartRunRequest{}, "manual")
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("队列满时 StartRun() error = %v, want ErrQueueFull", err)
	}

	// 被拒工作流的租约已释放
	if !store.TryLockWorkflow(wfB.ID) {
		t.Error("队列满被拒后执行租约未释放")
	}
	store.UnlockWorkflow(wfB.ID)

	runs, _, err := store.ListRuns(context.Background(), wfB.ID, 0, 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != domain.RunStatusAborted {
		t.Errorf("被拒回放记录 = %+v, want 一条 aborted", runs)
	}
}

// TestEngine_Resume 验证断点续跑从上次失败的步骤开始，不重复已成功的步骤。
func TestEngine_Resume(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	wf := makeWorkflow(t, store, "resume-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindTypeText, Text: "done-before"},
		{ID: "s1", Kind: domain.StepKindTypeText, Text: "failed-before"},
		{ID: "s2", Kind: domain.StepKindKeyCombo, Key: "enter"},
	})

	// 伪造一次部分完成的历史回放：步骤 0 成功，步骤 1 失败
	prior := &domain.Run{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		Status:          domain.RunStatusRunning,
		Trigger:         "manual",
		StartedAt:       time.Now().Add(-time.Minute),
	}
	ctx := context.Background()
	if err := store.CreateRun(ctx, prior); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	now := time.Now()
	_ = store.AppendStepOutcome(ctx, prior.ID, domain.StepOutcome{StepID: "s0", Index: 0, Kind: domain.StepKindTypeText, Outcome: domain.OutcomeSucceeded, Attempts: 1, StartedAt: now, EndedAt: now})
	_ = store.AppendStepOutcome(ctx, prior.ID, domain.StepOutcome{StepID: "s1", Index: 1, Kind: domain.StepKindTypeText, Outcome: domain.OutcomeFailed, Attempts: 3, Error: "boom", StartedAt: now, EndedAt: now})
	if err := store.CompleteRun(ctx, prior.ID, domain.RunStatusPartial, "step 1 failed", now); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	run, err := engine.StartRun(ctx, wf.ID, domain.StartRunRequest{Resume: true}, "manual")
	if err != nil {
		t.Fatalf("StartRun(resume) error = %v", err)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("终态 = %v, want completed (error: %s)", final.Status, final.Error)
	}
	if len(final.StepOutcomes) != 2 {
		t.Fatalf("步骤结果数 = %d, want 2（从断点开始）", len(final.StepOutcomes))
	}
	if final.StepOutcomes[0].Index != 1 || final.StepOutcomes[1].Index != 2 {
		t.Errorf("续跑步骤序号 = %d, %d, want 1, 2", final.StepOutcomes[0].Index, final.StepOutcomes[1].Index)
	}

	actions := driver.recorded()
	if len(actions) != 2 || actions[0] != "type:failed-before" || actions[1] != "key:enter" {
		t.Errorf("续跑动作序列 = %v（步骤 0 不应重复执行）", actions)
	}
}

// TestEngine_ResumeVersionMismatch 验证定义更新后旧断点失效。
func TestEngine_ResumeVersionMismatch(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	engine := newTestEngine(t, store, driver, testReplayConfig())

	wf := makeWorkflow(t, store, "drifted-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindWait, WaitMs: 1},
	})

	ctx := context.Background()
	prior := &domain.Run{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		Status:          domain.RunStatusRunning,
		StartedAt:       time.Now().Add(-time.Minute),
	}
	if err := store.CreateRun(ctx, prior); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := store.CompleteRun(ctx, prior.ID, domain.RunStatusPartial, "boom", time.Now()); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	// 编辑定义，版本号前进
	edited := wf.Clone()
	edited.Description = "new version"
	if err := store.UpdateWorkflow(ctx, edited); err != nil {
		t.Fatalf("UpdateWorkflow() error = %v", err)
	}

	_, err := engine.StartRun(ctx, wf.ID, domain.StartRunRequest{Resume: true}, "manual")
	if !errors.Is(err, domain.ErrRunNotResumable) {
		t.Fatalf("版本漂移后 StartRun(resume) error = %v, want ErrRunNotResumable", err)
	}
	if !store.TryLockWorkflow(wf.ID) {
		t.Error("续跑被拒后执行租约未释放")
	}
	store.UnlockWorkflow(wf.ID)
}

// TestEngine_BranchSkips 验证条件元素不可定位时分支向前跳过指定步骤，
// 被跳过的步骤记录为 skipped。
func TestEngine_BranchSkips(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	// 条件指纹与纯白屏幕处处不符，条件判定为不成立
	condition := &domain.ElementDescriptor{
		Fingerprint:    0xFFFFFFFFFFFFFFFF,
		CropW:          64,
		CropH:          64,
		NormX:          0.5,
		NormY:          0.5,
		BaseConfidence: 1.0,
	}
	wf := makeWorkflow(t, store, "branch-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindBranch, Target: condition, SkipCount: 1},
		{ID: "s1", Kind: domain.StepKindTypeText, Text: "only-if-dialog"},
		{ID: "s2", Kind: domain.StepKindTypeText, Text: "always"},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	final := waitForTerminal(t, store, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("终态 = %v, want completed (error: %s)", final.Status, final.Error)
	}
	if len(final.StepOutcomes) != 3 {
		t.Fatalf("步骤结果数 = %d, want 3", len(final.StepOutcomes))
	}
	if final.StepOutcomes[0].Outcome != domain.OutcomeSucceeded {
		t.Errorf("分支步骤结果 = %v, want succeeded", final.StepOutcomes[0].Outcome)
	}
	if final.StepOutcomes[1].Outcome != domain.OutcomeSkipped {
		t.Errorf("被跳过步骤结果 = %v, want skipped", final.StepOutcomes[1].Outcome)
	}
	if final.StepOutcomes[2].Outcome != domain.OutcomeSucceeded {
		t.Errorf("分支之后步骤结果 = %v, want succeeded", final.StepOutcomes[2].Outcome)
	}

	actions := driver.recorded()
	if len(actions) != 1 || actions[0] != "type:always" {
		t.Errorf("动作序列 = %v（被跳过的步骤不应执行）", actions)
	}
}

// TestEngine_Recovery 验证启动时把崩溃残留的 running 记录标记为 aborted。
func TestEngine_Recovery(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	wf := makeWorkflow(t, store, "stale-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindWait, WaitMs: 1},
	})
	stale := &domain.Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     domain.RunStatusRunning,
		StartedAt:  time.Now().Add(-time.Hour),
	}
	if err := store.CreateRun(ctx, stale); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	cfg := testReplayConfig()
	cfg.RecoveryEnabled = true
	engine := newTestEngine(t, store, &fakeDriver{}, cfg)
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	run, err := store.GetRunByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetRunByID() error = %v", err)
	}
	if run.Status != domain.RunStatusAborted {
		t.Errorf("残留回放状态 = %v, want aborted", run.Status)
	}
}

// TestEngine_Subscribe 验证进度订阅收到每个步骤的更新与终态通知。
func TestEngine_Subscribe(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := &fakeDriver{}
	engine := newTestEngine(t, store, driver, testReplayConfig())
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer engine.Stop()

	// 先等待一段时间，保证订阅在回放结束前建立
	wf := makeWorkflow(t, store, "watched-flow", []domain.Step{
		{ID: "s0", Kind: domain.StepKindWait, WaitMs: 150},
		{ID: "s1", Kind: domain.StepKindTypeText, Text: "a"},
		{ID: "s2", Kind: domain.StepKindKeyCombo, Key: "tab"},
	})

	run, err := engine.StartRun(context.Background(), wf.ID, domain.StartRunRequest{}, "manual")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	ch, unsubscribe := engine.Subscribe(run.ID)
	defer unsubscribe()

	var steps int
	var done bool
	timeout := time.After(5 * time.Second)
	for !done {
		select {
		case u, ok := <-ch:
			if !ok {
				done = true
				break
			}
			if u.Step != nil {
				steps++
			}
			if u.Done {
				if u.Status != domain.RunStatusCompleted {
					t.Errorf("终态更新状态 = %v, want completed", u.Status)
				}
				done = true
			}
		case <-timeout:
			t.Fatal("订阅更新超时")
		}
	}
	if steps < 1 {
		t.Errorf("步骤更新数 = %d, want >= 1", steps)
	}
}
