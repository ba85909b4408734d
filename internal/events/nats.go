// Package events 提供引擎事件总线。
// 当前实现基于 NATS JetStream，用于发布回放生命周期事件，并支持远程触发回放。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/domain"
)

// EventBus 封装 NATS/JetStream 连接与常用发布/订阅操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// Event 表示引擎内部事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler 定义事件处理回调。
type EventHandler func(event *Event) error

// RunRequest 是远程触发回放的载荷。
type RunRequest struct {
	WorkflowID string `json:"workflow_id"`
	Mode       string `json:"mode,omitempty"`
}

// NewEventBus 创建 EventBus 并初始化所需的 JetStream Stream。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 为回放事件/远程命令初始化 Stream（不存在则创建，存在则尝试更新配置）
	streams := []nats.StreamConfig{
		{
			Name:     "WORKFLOW_RUNS",
			Subjects: []string{"run.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 7, // 保留 7 天
		},
		{
			Name:     "WORKFLOW_COMMANDS",
			Subjects: []string{"workflow.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 1, // 保留 1 天
		},
	}

	for _, cfg := range streams {
		_, err := js.AddStream(&cfg)
		if err != nil && err != nats.ErrStreamNameAlreadyInUse {
			js.UpdateStream(&cfg)
		}
	}

	return &EventBus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Publish 发布事件到指定 subject。
func (eb *EventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = eb.js.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("事件已发布")

	return nil
}

// Subscribe 订阅匹配 subject 的事件（支持通配符）。
// ctx 取消时将自动取消订阅。
func (eb *EventBus) Subscribe(ctx context.Context, subject, durable string, handler EventHandler) error {
	sub, err := eb.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).Error("事件反序列化失败")
			msg.Nak()
			return
		}

		if err := handler(&event); err != nil {
			eb.logger.WithError(err).WithField("event_id", event.ID).Error("事件处理失败")
			msg.Nak()
			return
		}

		msg.Ack()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// PublishRunStarted 发布“回放开始”事件。
func (eb *EventBus) PublishRunStarted(ctx context.Context, run *domain.Run) error {
	data, _ := json.Marshal(run)
	event := &Event{
		ID:        run.ID,
		Type:      "run.started",
		Source:    "replay-engine",
		Subject:   fmt.Sprintf("run.%s.started", run.WorkflowID),
		Data:      data,
		Timestamp: time.Now(),
	}
	return eb.Publish(ctx, event.Subject, event)
}

// PublishRunCompleted 发布“回放结束”事件（含终态与步骤结果）。
func (eb *EventBus) PublishRunCompleted(ctx context.Context, run *domain.Run) error {
	data, _ := json.Marshal(run)
	event := &Event{
		ID:        run.ID,
		Type:      "run.completed",
		Source:    "replay-engine",
		Subject:   fmt.Sprintf("run.%s.completed", run.WorkflowID),
		Data:      data,
		Timestamp: time.Now(),
	}
	return eb.Publish(ctx, event.Subject, event)
}

// RunStarter 定义远程触发所需的最小回放启动能力。
type RunStarter interface {
	StartRun(ctx context.Context, workflowID string, req domain.StartRunRequest, source string) (*domain.Run, error)
}

// SubscribeRunRequests 订阅远程回放请求（workflow.run.request）。
// 其他主机上的引擎或外部系统可以通过该 subject 远程触发回放。
func (eb *EventBus) SubscribeRunRequests(ctx context.Context, starter RunStarter) error {
	return eb.Subscribe(ctx, "workflow.run.request", "run-request-processor", func(event *Event) error {
		var req RunRequest
		if err := json.Unmarshal(event.Data, &req); err != nil {
			return err
		}
		if req.WorkflowID == "" {
			return fmt.Errorf("run request missing workflow_id")
		}

		_, err := starter.StartRun(ctx, req.WorkflowID, domain.StartRunRequest{Mode: req.Mode}, "remote")
		if err != nil {
			// 已有回放进行中不是投递失败，确认消息避免重复投递
			if err == domain.ErrRunInProgress {
				eb.logger.WithField("workflow_id", req.WorkflowID).Warn("远程触发命中时已有回放进行中，忽略")
				return nil
			}
			return err
		}
		return nil
	})
}
