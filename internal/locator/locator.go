// Package locator 实现了元素定位器。
//
// 定位按层次进行，每层失败后退化到下一层：
//  1. 无障碍标识精确匹配（感知分类器可用且描述符携带标识时）
//  2. 分类器候选区域的感知哈希比对
//  3. 围绕最近已知位置的窗口化像素扫描，半径逐次翻倍
//  4. 全屏网格扫描
//
// 所有层共用同一置信度标尺：相似度 × 描述符基础置信度。
// 低于阈值视为未找到，定位器从不凭猜测点击。
package locator

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/domain"
)

// positionOnlyConfidence 是仅有位置信息的描述符的固定相似度。
// 取值恰好落在默认阈值上：默认配置下勉强接受，阈值调高即拒绝。
const positionOnlyConfidence = 0.6

// defaultCropSize 是录制时无法确定元素包围盒时采用的裁剪边长（像素）。
const defaultCropSize = 64

// simEpsilon 是相似度比较的容差，用于并列判定。
const simEpsilon = 1e-9

// Match 是一次成功定位的结果。
type Match struct {
	// X 匹配位置的横坐标（元素中心，像素）
	X int
	// Y 匹配位置的纵坐标（元素中心，像素）
	Y int
	// Confidence 匹配置信度，取值 [0,1]
	Confidence float64
	// Tier 产生匹配的层：accessibility、oracle、window、scan、position
	Tier string
}

// Locator 元素定位器。
type Locator struct {
	oracle Oracle
	cfg    config.LocatorConfig
	logger *logrus.Logger
}

// New 创建元素定位器。oracle 可以为 nil，此时只使用像素层定位。
func New(oracle Oracle, cfg config.LocatorConfig, logger *logrus.Logger) *Locator {
	return &Locator{oracle: oracle, cfg: cfg, logger: logger}
}

// Locate 在当前屏幕截图上定位描述符指向的元素。
// 返回置信度最高的匹配；所有候选的置信度都低于阈值时返回 ErrElementNotFound。
// 并列候选的决胜是确定性的：先取距最近已知位置更近者，再取扫描顺序在前者。
func (l *Locator) Locate(ctx context.Context, screen image.Image, desc *domain.ElementDescriptor) (*Match, error) {
	bounds := screen.Bounds()
	lastX := int(desc.NormX * float64(bounds.Dx()))
	lastY := int(desc.NormY * float64(bounds.Dy()))
	base := baseConfidence(desc)

	// 仅位置描述符：没有指纹可比对，按降级置信度接受或拒绝
	if desc.PositionOnly {
		conf := positionOnlyConfidence * base
		if conf < l.cfg.Threshold {
			return nil, domain.ErrElementNotFound
		}
		return &Match{X: lastX, Y: lastY, Confidence: conf, Tier: "position"}, nil
	}

	elements := l.classify(ctx, screen)

	// 第一层：无障碍标识精确匹配
	if desc.AccessibilityID != "" {
		for _, el := range elements {
			if el.AccessibilityID == desc.AccessibilityID {
				c := el.Center()
				return &Match{X: c.X, Y: c.Y, Confidence: base, Tier: "accessibility"}, nil
			}
		}
	}

	// 第二层：分类器候选区域的指纹比对
	if m := l.matchElements(screen, desc, elements, lastX, lastY, base); m != nil {
		return m, nil
	}

	// 第三层：围绕最近已知位置的窗口化扫描，半径逐次翻倍
	radius := l.cfg.SearchRadius
	for i := 0; i <= l.cfg.MaxRadiusDoublings; i++ {
		win := image.Rect(lastX-radius, lastY-radius, lastX+radius, lastY+radius).Intersect(bounds)
		if m := l.scanWindow(screen, desc, win, lastX, lastY, base, "window"); m != nil {
			return m, nil
		}
		radius *= 2
	}

	// 第四层：全屏网格扫描
	if m := l.scanWindow(screen, desc, bounds, lastX, lastY, base, "scan"); m != nil {
		return m, nil
	}

	return nil, domain.ErrElementNotFound
}

// classify 调用感知分类器并施加时延上限。
// 分类器缺席、超时或出错都不是定位失败，只是让定位退化到像素层。
func (l *Locator) classify(ctx context.Context, screen image.Image) []Element {
	if l.oracle == nil {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.OracleTimeout)
	defer cancel()

	start := time.Now()
	elements, err := l.oracle.ClassifyElements(cctx, screen)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			l.logger.WithField("timeout", l.cfg.OracleTimeout).Warn("感知分类器超时，退化到像素层定位")
		} else {
			l.logger.WithError(err).Warn("感知分类器出错，退化到像素层定位")
		}
		return nil
	}

	l.logger.WithFields(logrus.Fields{
		"elements": len(elements),
		"duration": time.Since(start),
	}).Debug("感知分类完成")
	return elements
}

// matchElements 在分类器候选区域中比对指纹。
func (l *Locator) matchElements(screen image.Image, desc *domain.ElementDescriptor, elements []Element, lastX, lastY int, base float64) *Match {
	var (
		best     *Match
		bestDist float64
	)
	for _, el := range elements {
		if desc.Role != "" && el.Role != "" && el.Role != desc.Role {
			continue
		}
		region := el.Bounds.Intersect(screen.Bounds())
		if region.Empty() {
			continue
		}
		sim := Similarity(DifferenceHash(cropImage(screen, region)), desc.Fingerprint)
		conf := sim * base
		if conf < l.cfg.Threshold {
			continue
		}
		c := el.Center()
		dist := euclidean(c.X, c.Y, lastX, lastY)
		if better(conf, dist, best, bestDist) {
			best = &Match{X: c.X, Y: c.Y, Confidence: conf, Tier: "oracle"}
			bestDist = dist
		}
	}
	return best
}

// scanWindow 在窗口内以半裁剪尺寸为步长做网格扫描。
// 行优先遍历保证并列时的扫描顺序决胜是确定性的。
func (l *Locator) scanWindow(screen image.Image, desc *domain.ElementDescriptor, win image.Rectangle, lastX, lastY int, base float64, tier string) *Match {
	cropW, cropH := desc.CropW, desc.CropH
	if cropW <= 0 || cropH <= 0 {
		cropW, cropH = defaultCropSize, defaultCropSize
	}
	strideX := max(1, cropW/2)
	strideY := max(1, cropH/2)

	var (
		best     *Match
		bestDist float64
	)
	for y := win.Min.Y; y+cropH <= win.Max.Y; y += strideY {
		for x := win.Min.X; x+cropW <= win.Max.X; x += strideX {
			region := image.Rect(x, y, x+cropW, y+cropH)
			sim := Similarity(DifferenceHash(cropImage(screen, region)), desc.Fingerprint)
			conf := sim * base
			if conf < l.cfg.Threshold {
				continue
			}
			cx, cy := x+cropW/2, y+cropH/2
			dist := euclidean(cx, cy, lastX, lastY)
			if better(conf, dist, best, bestDist) {
				best = &Match{X: cx, Y: cy, Confidence: conf, Tier: tier}
				bestDist = dist
			}
		}
	}
	return best
}

// better 判定新候选是否优于当前最优。
// 置信度更高者胜；并列时距最近已知位置更近者胜；仍并列时保留先到者（扫描顺序）。
func better(conf, dist float64, best *Match, bestDist float64) bool {
	if best == nil {
		return true
	}
	if conf > best.Confidence+simEpsilon {
		return true
	}
	if math.Abs(conf-best.Confidence) <= simEpsilon && dist < bestDist {
		return true
	}
	return false
}

// Describe 为屏幕上的一个点构建元素描述符（录制路径）。
// 分类器识别出包含该点的元素时使用其包围盒与标识；
// 否则围绕该点取固定尺寸裁剪；裁剪区域退化（点在屏幕边缘之外）时
// 产生仅位置描述符。
func (l *Locator) Describe(ctx context.Context, screen image.Image, x, y int) *domain.ElementDescriptor {
	bounds := screen.Bounds()
	desc := &domain.ElementDescriptor{
		NormX:          float64(x) / float64(bounds.Dx()),
		NormY:          float64(y) / float64(bounds.Dy()),
		BaseConfidence: 1.0,
	}

	region := image.Rect(x-defaultCropSize/2, y-defaultCropSize/2, x+defaultCropSize/2, y+defaultCropSize/2)
	fromElement := false
	for _, el := range l.classify(ctx, screen) {
		if image.Pt(x, y).In(el.Bounds) {
			region = el.Bounds
			fromElement = true
			desc.AccessibilityID = el.AccessibilityID
			desc.Role = el.Role
			desc.Title = el.Title
			break
		}
	}

	clipped := region.Intersect(bounds)
	// 没有元素包围盒时要求完整的固定裁剪；点太靠近屏幕边缘拿不到
	if !fromElement && clipped != region {
		desc.PositionOnly = true
		return desc
	}
	region = clipped
	if region.Dx() < hashW || region.Dy() < hashH {
		desc.PositionOnly = true
		return desc
	}

	hash := DifferenceHash(cropImage(screen, region))
	// 全零哈希意味着裁剪区域没有纹理（如点击空白桌面），指纹没有区分度
	if hash == 0 && desc.AccessibilityID == "" {
		desc.PositionOnly = true
		return desc
	}

	desc.Fingerprint = hash
	desc.CropW = region.Dx()
	desc.CropH = region.Dy()
	return desc
}

// cropImage 拷贝图像的一个矩形区域。
func cropImage(img image.Image, region image.Rectangle) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(out, out.Bounds(), img, region.Min, draw.Src)
	return out
}

// baseConfidence 返回描述符的基础置信度，未设置时取 1.0。
func baseConfidence(desc *domain.ElementDescriptor) float64 {
	if desc.BaseConfidence <= 0 {
		return 1.0
	}
	return desc.BaseConfidence
}

// euclidean 返回两点间的欧氏距离。
func euclidean(x1, y1, x2, y2 int) float64 {
	dx, dy := float64(x1-x2), float64(y1-y2)
	return math.Sqrt(dx*dx + dy*dy)
}

// max 返回两个整数中的较大者。
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
