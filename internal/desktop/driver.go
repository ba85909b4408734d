// Package desktop 封装了对本机桌面的输入合成与屏幕捕获。
// 生产实现基于 robotgo；接口抽象使回放引擎与录制器可以在测试中
// 使用合成驱动而不触碰真实桌面。
package desktop

import "image"

// Driver 是桌面操作驱动接口。
// 所有操作都是同步的：返回时输入事件已经注入系统队列。
type Driver interface {
	// Click 将指针移动到 (x,y) 并按下指定按钮。
	// button 取值 left、right、middle；double 为 true 时双击。
	Click(x, y int, button string, double bool) error
	// TypeText 向当前焦点输入一段文本。
	TypeText(text string) error
	// KeyTap 按下主按键及修饰键（ctrl、shift、alt、command）。
	KeyTap(key string, modifiers []string) error
	// LaunchApp 按名称启动应用程序并等待其就绪。
	LaunchApp(name string) error
	// CaptureScreen 截取整个主屏幕。
	CaptureScreen() (image.Image, error)
	// ScreenSize 返回主屏幕的像素尺寸。
	ScreenSize() (w, h int)
}
