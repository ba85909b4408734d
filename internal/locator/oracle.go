// Package locator 实现了元素定位器。
package locator

import (
	"context"
	"image"
)

// Element 是感知分类器在屏幕截图中识别出的一个 UI 元素。
type Element struct {
	// Bounds 元素在截图中的包围盒（像素坐标）
	Bounds image.Rectangle
	// Role 元素角色，如 button、textfield、menu
	Role string
	// AccessibilityID 无障碍树中的稳定标识（平台支持时非空）
	AccessibilityID string
	// Title 元素的可见标题或标签
	Title string
}

// Center 返回元素包围盒的中心点。
func (e Element) Center() image.Point {
	return image.Pt((e.Bounds.Min.X+e.Bounds.Max.X)/2, (e.Bounds.Min.Y+e.Bounds.Max.Y)/2)
}

// Oracle 是感知分类器接口：给定屏幕截图，返回识别出的 UI 元素列表。
// 实现被视为黑盒（无障碍树读取、模板识别、视觉模型均可）。
// 调用方会对每次调用施加时延上限，超时按未识别处理，定位退化到像素层。
type Oracle interface {
	// ClassifyElements 识别截图中的 UI 元素。
	ClassifyElements(ctx context.Context, screen image.Image) ([]Element, error)
}
