// Package desktop 封装了对本机桌面的输入合成与屏幕捕获。
package desktop

import (
	"fmt"
	"image"
	"time"

	"github.com/go-vgo/robotgo"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/config"
)

// modifierNames 将常见写法归一化为 robotgo 的修饰键名称。
var modifierNames = map[string]string{
	"ctrl":    "ctrl",
	"control": "ctrl",
	"shift":   "shift",
	"alt":     "alt",
	"option":  "alt",
	"cmd":     "cmd",
	"command": "cmd",
	"meta":    "cmd",
	"win":     "cmd",
}

// RobotgoDriver 是基于 robotgo 的桌面驱动实现。
// 每个操作之后按配置的节奏停顿，避免目标应用丢失输入事件。
type RobotgoDriver struct {
	cfg    config.AutomationConfig
	logger *logrus.Logger
}

// NewRobotgoDriver 创建 robotgo 桌面驱动。
func NewRobotgoDriver(cfg config.AutomationConfig, logger *logrus.Logger) *RobotgoDriver {
	return &RobotgoDriver{cfg: cfg, logger: logger}
}

// Click 将指针移动到目标位置并点击。
func (d *RobotgoDriver) Click(x, y int, button string, double bool) error {
	if button == "" {
		button = "left"
	}
	robotgo.Move(x, y)
	time.Sleep(d.cfg.DefaultDelay)
	robotgo.Click(button, double)
	time.Sleep(d.cfg.ClickDelay)
	return nil
}

// TypeText 向当前焦点逐字符输入文本。
func (d *RobotgoDriver) TypeText(text string) error {
	for _, r := range text {
		robotgo.TypeStr(string(r))
		time.Sleep(d.cfg.TypeDelay)
	}
	time.Sleep(d.cfg.DefaultDelay)
	return nil
}

// KeyTap 按下主按键及修饰键。
func (d *RobotgoDriver) KeyTap(key string, modifiers []string) error {
	args := make([]interface{}, 0, len(modifiers))
	for _, m := range modifiers {
		normalized, ok := modifierNames[m]
		if !ok {
			return fmt.Errorf("unknown modifier %q", m)
		}
		args = append(args, normalized)
	}
	if err := robotgo.KeyTap(key, args...); err != nil {
		return fmt.Errorf("key tap %q: %w", key, err)
	}
	time.Sleep(d.cfg.DefaultDelay)
	return nil
}

// LaunchApp 按名称启动应用并等待其就绪。
// 名称先经过别名与路径表解析；macOS 上已运行的应用会被带到前台。
func (d *RobotgoDriver) LaunchApp(name string) error {
	path := ResolveApp(name, d.cfg.AppPaths, d.cfg.AppAliases)
	d.logger.WithFields(logrus.Fields{
		"app":  name,
		"path": path,
	}).Debug("启动应用")

	if cmd := activateCommand(name); cmd != nil {
		if err := cmd.Run(); err == nil {
			time.Sleep(d.cfg.LaunchWait)
			return nil
		}
	}

	if err := launchCommand(path).Start(); err != nil {
		return fmt.Errorf("launch %q: %w", name, err)
	}
	time.Sleep(d.cfg.LaunchWait)
	return nil
}

// CaptureScreen 截取整个主屏幕。
func (d *RobotgoDriver) CaptureScreen() (image.Image, error) {
	img := robotgo.CaptureImg()
	if img == nil {
		return nil, fmt.Errorf("capture screen: %s", "Capture image not found.")
	}
	return img, nil
}

// ScreenSize 返回主屏幕的像素尺寸。
func (d *RobotgoDriver) ScreenSize() (w, h int) {
	return robotgo.GetScreenSize()
}
