// Package desktop 封装了对本机桌面的输入合成与屏幕捕获。
package desktop

import (
	"sync"
	"time"

	"github.com/go-vgo/robotgo"
)

// CursorMonitor 通过轮询指针位置近似跟踪用户输入活动。
// 指针移动是最容易跨平台观测的输入信号；协调器用最近输入时间
// 判断前台执行要求的输入安静窗口。
//
// 注意：回放自身合成的指针移动也会被观测到，因此回放进行中
// 协调器不应再依据该监视器抢占自己。
type CursorMonitor struct {
	mu        sync.Mutex
	lastInput time.Time
	lastX     int
	lastY     int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCursorMonitor 创建并启动指针活动监视器。
func NewCursorMonitor(interval time.Duration) *CursorMonitor {
	m := &CursorMonitor{
		lastInput: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.lastX, m.lastY = robotgo.Location()

	go m.poll(interval)
	return m
}

// poll 是监视器的轮询循环。
func (m *CursorMonitor) poll(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			x, y := robotgo.Location()
			m.mu.Lock()
			if x != m.lastX || y != m.lastY {
				m.lastX, m.lastY = x, y
				m.lastInput = time.Now()
			}
			m.mu.Unlock()
		}
	}
}

// LastInputAt 返回最近一次观测到用户输入的时间。
func (m *CursorMonitor) LastInputAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInput
}

// Stop 停止轮询循环。
func (m *CursorMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
