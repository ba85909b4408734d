package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 本地守护进程，来源校验交给 API Key 中间件
	CheckOrigin: func(r *http.Request) bool { return true },
}

const watchWriteTimeout = 10 * time.Second

// WatchRun 通过 WebSocket 推送回放的实时进度。
// HTTP端点: GET /api/v1/runs/{id}/watch
//
// 连接建立后先下发一次当前回放快照，之后每完成一个步骤推送一条
// 更新，回放到达终态时推送 done 消息并关闭连接。已结束的回放只
// 下发快照和 done。
func (h *Handler) WatchRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	// 先订阅再读快照，订阅间隙内完成的步骤会同时出现在快照和
	// 推送流里，按步骤序号去重。
	updates, unsubscribe := h.engine.Subscribe(runID)
	defer unsubscribe()

	run, err := h.store.GetRunByID(r.Context(), runID)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket 升级失败")
		return
	}
	defer conn.Close()

	send := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		return conn.WriteJSON(v)
	}

	if err := send(run); err != nil {
		return
	}
	if run.IsTerminal() {
		send(map[string]interface{}{"run_id": runID, "status": run.Status, "done": true})
		return
	}
	seen := len(run.StepOutcomes)

	// 客户端断开时释放推送协程
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			// 快照已覆盖的步骤不重复下发
			if u.Step != nil && u.Step.Index < seen && !u.Done {
				continue
			}
			if err := send(u); err != nil {
				h.logger.WithFields(logrus.Fields{
					"run_id": runID,
				}).WithError(err).Debug("推送回放进度失败，关闭连接")
				return
			}
			if u.Done {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
