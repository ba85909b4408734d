package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceWindow 文件变更事件的去抖窗口。
// 一次保存通常产生 create/write/chmod 多个事件，窗口内只点火一次。
const debounceWindow = 500 * time.Millisecond

// registration 一条事件触发器的监听登记。
type registration struct {
	workflowID string
	// path 触发器声明的路径
	path string
	// watch 实际加入 fsnotify 的路径：path 不存在时监听其父目录，
	// 以便捕获文件首次创建
	watch string
}

// watcher 封装 fsnotify，把路径变化映射到工作流触发。
type watcher struct {
	fs     *fsnotify.Watcher
	fire   func(workflowID string)
	logger *logrus.Logger

	mu        sync.Mutex
	regs      map[string]*registration // workflowID -> registration
	lastFired map[string]time.Time
}

func newWatcher(fire func(workflowID string), logger *logrus.Logger) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:        fs,
		fire:      fire,
		logger:    logger,
		regs:      make(map[string]*registration),
		lastFired: make(map[string]time.Time),
	}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.dispatch(filepath.Clean(ev.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("文件系统监听错误")
		}
	}
}

// dispatch 把一个变更路径投递给所有匹配的登记。
func (w *watcher) dispatch(name string) {
	now := time.Now()
	var hits []string

	w.mu.Lock()
	for _, reg := range w.regs {
		if name != reg.path && !strings.HasPrefix(name, reg.path+string(filepath.Separator)) {
			continue
		}
		if now.Sub(w.lastFired[reg.workflowID]) < debounceWindow {
			continue
		}
		w.lastFired[reg.workflowID] = now
		hits = append(hits, reg.workflowID)
	}
	w.mu.Unlock()

	for _, workflowID := range hits {
		w.fire(workflowID)
	}
}

// add 为工作流登记一条路径监听。
func (w *watcher) add(workflowID, path string) error {
	path = filepath.Clean(path)
	watch := path
	if _, err := os.Stat(path); err != nil {
		// 路径尚不存在：监听父目录，等它被创建
		watch = filepath.Dir(path)
	}
	if err := w.fs.Add(watch); err != nil {
		return err
	}

	w.mu.Lock()
	w.regs[workflowID] = &registration{workflowID: workflowID, path: path, watch: watch}
	w.mu.Unlock()
	return nil
}

// remove 注销工作流的路径监听。
func (w *watcher) remove(workflowID, _ string) {
	w.mu.Lock()
	reg := w.regs[workflowID]
	delete(w.regs, workflowID)
	delete(w.lastFired, workflowID)
	var stillUsed bool
	if reg != nil {
		for _, other := range w.regs {
			if other.watch == reg.watch {
				stillUsed = true
				break
			}
		}
	}
	w.mu.Unlock()

	if reg != nil && !stillUsed {
		_ = w.fs.Remove(reg.watch)
	}
}

func (w *watcher) close() {
	_ = w.fs.Close()
}
