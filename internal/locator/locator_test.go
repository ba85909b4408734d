// Package locator 实现了元素定位器。
package locator

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
)

// testLogger 返回一个静默的日志器
func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testConfig 返回定位器的默认测试配置
func testConfig() config.LocatorConfig {
	return config.LocatorConfig{
		Threshold:          0.6,
		OracleTimeout:      2 * time.Second,
		SearchRadius:       120,
		MaxRadiusDoublings: 3,
	}
}

// whiteScreen 构造一张纯白屏幕截图
func whiteScreen(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

// drawWidget 在指定位置画一个带水平渐变的合成控件。
// 渐变保证其差分哈希与纯色背景显著不同。
func drawWidget(img *image.RGBA, rect image.Rectangle) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			v := uint8(255 * (x - rect.Min.X) / rect.Dx())
			img.Set(x, y, color.RGBA{v, v / 2, 255 - v, 255})
		}
	}
}

// fakeOracle 是测试用的感知分类器
type fakeOracle struct {
	elements []Element
	err      error
	block    bool // 为 true 时阻塞到 ctx 取消，模拟超时
}

func (f *fakeOracle) ClassifyElements(ctx context.Context, _ image.Image) ([]Element, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.elements, f.err
}

// TestDifferenceHash 测试差分哈希的基本性质。
func TestDifferenceHash(t *testing.T) {
	screen := whiteScreen(200, 200)
	drawWidget(screen, image.Rect(50, 50, 114, 114))

	widget := cropImage(screen, image.Rect(50, 50, 114, 114))
	background := cropImage(screen, image.Rect(0, 0, 64, 64))

	h1 := DifferenceHash(widget)
	h2 := DifferenceHash(widget)
	if h1 != h2 {
		t.Error("hash of identical image differs between calls")
	}
	if Similarity(h1, h1) != 1.0 {
		t.Errorf("self similarity = %v, want 1.0", Similarity(h1, h1))
	}

	hb := DifferenceHash(background)
	if sim := Similarity(h1, hb); sim > 0.6 {
		t.Errorf("widget vs background similarity = %v, want below threshold", sim)
	}
}

// TestLocator_FindsMovedElement 测试布局漂移后的重定位。
// 录制时控件在屏幕左上，回放时移动到了右下，像素扫描层应找到它。
func TestLocator_FindsMovedElement(t *testing.T) {
	recorded := whiteScreen(400, 300)
	drawWidget(recorded, image.Rect(50, 50, 114, 114))

	l := New(nil, testConfig(), testLogger())
	desc := l.Describe(context.Background(), recorded, 82, 82)
	if desc.PositionOnly {
		t.Fatal("descriptor unexpectedly position-only")
	}

	// 控件移动到新位置
	moved := whiteScreen(400, 300)
	drawWidget(moved, image.Rect(288, 192, 352, 256))

	m, err := l.Locate(context.Background(), moved, desc)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if m.Confidence < 0.6 {
		t.Errorf("confidence = %v, want >= 0.6", m.Confidence)
	}
	// 匹配中心应落在移动后的控件内
	if m.X < 288 || m.X > 352 || m.Y < 192 || m.Y > 256 {
		t.Errorf("match at (%d,%d), want inside moved widget", m.X, m.Y)
	}
}

// TestLocator_NotFound 测试元素不在屏幕上时返回 ErrElementNotFound。
// 定位器从不凭猜测返回低置信度的位置。
func TestLocator_NotFound(t *testing.T) {
	recorded := whiteScreen(400, 300)
	drawWidget(recorded, image.Rect(50, 50, 114, 114))

	l := New(nil, testConfig(), testLogger())
	desc := l.Describe(context.Background(), recorded, 82, 82)

	blank := whiteScreen(400, 300)
	if _, err := l.Locate(context.Background(), blank, desc); !errors.Is(err, domain.ErrElementNotFound) {
		t.Errorf("Locate() error = %v, want ErrElementNotFound", err)
	}
}

// TestLocator_Deterministic 测试同一屏幕上重复定位产生同一结果。
func TestLocator_Deterministic(t *testing.T) {
	recorded := whiteScreen(400, 300)
	drawWidget(recorded, image.Rect(64, 64, 128, 128))

	l := New(nil, testConfig(), testLogger())
	desc := l.Describe(context.Background(), recorded, 96, 96)

	first, err := l.Locate(context.Background(), recorded, desc)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		m, err := l.Locate(context.Background(), recorded, desc)
		if err != nil {
			t.Fatalf("Locate() error = %v", err)
		}
		if m.X != first.X || m.Y != first.Y || m.Confidence != first.Confidence {
			t.Fatalf("run %d: match (%d,%d,%v) differs from (%d,%d,%v)",
				i, m.X, m.Y, m.Confidence, first.X, first.Y, first.Confidence)
		}
	}
}

// TestLocator_TieBreakByDistance 测试并列候选的决胜。
// 屏幕上有两个一模一样的控件时，应选择距最近已知位置更近的那个。
func TestLocator_TieBreakByDistance(t *testing.T) {
	recorded := whiteScreen(640, 300)
	drawWidget(recorded, image.Rect(64, 64, 128, 128))

	l := New(nil, testConfig(), testLogger())
	desc := l.Describe(context.Background(), recorded, 96, 96)

	// 两个相同的控件，一个靠近录制位置，一个远离
	twin := whiteScreen(640, 300)
	drawWidget(twin, image.Rect(64, 64, 128, 128))
	drawWidget(twin, image.Rect(512, 64, 576, 128))

	m, err := l.Locate(context.Background(), twin, desc)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if m.X > 200 {
		t.Errorf("match at (%d,%d), want the copy nearer to last known position", m.X, m.Y)
	}
}

// TestLocator_PositionOnly 测试仅位置描述符的降级匹配。
func TestLocator_PositionOnly(t *testing.T) {
	desc := &domain.ElementDescriptor{
		NormX:          0.5,
		NormY:          0.5,
		PositionOnly:   true,
		BaseConfidence: 1.0,
	}
	screen := whiteScreen(400, 300)

	// 默认阈值 0.6：降级置信度恰好被接受
	l := New(nil, testConfig(), testLogger())
	m, err := l.Locate(context.Background(), screen, desc)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if m.Tier != "position" {
		t.Errorf("tier = %q, want position", m.Tier)
	}
	if m.X != 200 || m.Y != 150 {
		t.Errorf("match at (%d,%d), want (200,150)", m.X, m.Y)
	}

	// 阈值调高后拒绝
	strict := testConfig()
	strict.Threshold = 0.7
	ls := New(nil, strict, testLogger())
	if _, err := ls.Locate(context.Background(), screen, desc); !errors.Is(err, domain.ErrElementNotFound) {
		t.Errorf("Locate() with strict threshold error = %v, want ErrElementNotFound", err)
	}
}

// TestLocator_AccessibilityTier 测试无障碍标识的精确匹配优先于像素比对。
func TestLocator_AccessibilityTier(t *testing.T) {
	screen := whiteScreen(400, 300)
	oracle := &fakeOracle{elements: []Element{
		{Bounds: image.Rect(300, 200, 360, 230), Role: "button", AccessibilityID: "save-button"},
	}}

	desc := &domain.ElementDescriptor{
		AccessibilityID: "save-button",
		NormX:           0.1,
		NormY:           0.1,
		BaseConfidence:  1.0,
	}

	l := New(oracle, testConfig(), testLogger())
	m, err := l.Locate(context.Background(), screen, desc)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if m.Tier != "accessibility" {
		t.Errorf("tier = %q, want accessibility", m.Tier)
	}
	if m.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", m.Confidence)
	}
	if m.X != 330 || m.Y != 215 {
		t.Errorf("match at (%d,%d), want element center (330,215)", m.X, m.Y)
	}
}

// TestLocator_OracleTimeout 测试分类器超时后退化到像素层。
// 超时不是定位失败：像素扫描仍应找到屏幕上的控件。
func TestLocator_OracleTimeout(t *testing.T) {
	recorded := whiteScreen(400, 300)
	drawWidget(recorded, image.Rect(64, 64, 128, 128))

	cfg := testConfig()
	cfg.OracleTimeout = 10 * time.Millisecond

	l := New(&fakeOracle{block: true}, cfg, testLogger())
	desc := l.Describe(context.Background(), recorded, 96, 96)

	m, err := l.Locate(context.Background(), recorded, desc)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if m.Tier == "accessibility" || m.Tier == "oracle" {
		t.Errorf("tier = %q, want a pixel tier after oracle timeout", m.Tier)
	}
}

// TestLocator_Describe 测试录制路径的描述符构建。
func TestLocator_Describe(t *testing.T) {
	screen := whiteScreen(400, 300)
	drawWidget(screen, image.Rect(50, 50, 114, 114))

	l := New(nil, testConfig(), testLogger())

	desc := l.Describe(context.Background(), screen, 82, 82)
	if desc.PositionOnly {
		t.Error("descriptor over widget should carry fingerprint")
	}
	if desc.CropW <= 0 || desc.CropH <= 0 {
		t.Errorf("crop size = %dx%d, want positive", desc.CropW, desc.CropH)
	}
	if desc.NormX < 0.19 || desc.NormX > 0.22 {
		t.Errorf("norm_x = %v, want about 0.205", desc.NormX)
	}

	// 点击屏幕角落之外的裁剪退化为仅位置描述符
	edge := l.Describe(context.Background(), screen, 1, 1)
	if !edge.PositionOnly {
		t.Error("descriptor at screen corner should be position-only")
	}
}

// TestLocator_DescribeWithOracle 测试分类器可用时描述符携带无障碍标识。
func TestLocator_DescribeWithOracle(t *testing.T) {
	screen := whiteScreen(400, 300)
	drawWidget(screen, image.Rect(50, 50, 114, 114))

	oracle := &fakeOracle{elements: []Element{
		{Bounds: image.Rect(50, 50, 114, 114), Role: "button", AccessibilityID: "ok-button", Title: "OK"},
	}}

	l := New(oracle, testConfig(), testLogger())
	desc := l.Describe(context.Background(), screen, 82, 82)

	if desc.AccessibilityID != "ok-button" {
		t.Errorf("accessibility_id = %q, want ok-button", desc.AccessibilityID)
	}
	if desc.Role != "button" {
		t.Errorf("role = %q, want button", desc.Role)
	}
	if desc.CropW != 64 || desc.CropH != 64 {
		t.Errorf("crop = %dx%d, want element bounds 64x64", desc.CropW, desc.CropH)
	}
}
