// Package api 提供了桌面自动化工作流引擎的 HTTP API 处理程序。
// 该包实现了 RESTful API 接口，用于管理工作流的录制、保存、回放与调度。
// 主要功能包括：
//   - 工作流的 CRUD 操作（创建、读取、更新、删除）
//   - 回放的启动、取消、历史查询与实时进度推送
//   - 触发器的挂载与卸载
//   - 录制会话的控制
//   - 健康检查和统计信息
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/domain"
	"github.com/oriys/mimic/internal/metrics"
	"github.com/oriys/mimic/internal/recorder"
	"github.com/oriys/mimic/internal/replay"
	"github.com/oriys/mimic/internal/scheduler"
	"github.com/oriys/mimic/internal/storage"
)

// Handler 是 API 请求处理器的核心结构体。
// 它封装了存储层、回放引擎、录制器与调度器的依赖。
type Handler struct {
	store        storage.Store
	engine       *replay.Engine
	recorder     *recorder.Recorder
	scheduler    *scheduler.Scheduler
	metrics      *metrics.Metrics
	maxWorkflows int
	logger       *logrus.Logger
}

// NewHandler 创建处理器。m 可以为 nil（禁用指标）。
func NewHandler(store storage.Store, engine *replay.Engine, rec *recorder.Recorder, sched *scheduler.Scheduler, m *metrics.Metrics, maxWorkflows int, logger *logrus.Logger) *Handler {
	if maxWorkflows <= 0 {
		maxWorkflows = 200
	}
	return &Handler{
		store:        store,
		engine:       engine,
		recorder:     rec,
		scheduler:    sched,
		metrics:      m,
		maxWorkflows: maxWorkflows,
		logger:       logger,
	}
}

// ==================== 健康检查 ====================

// Health 基本健康检查。HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready 就绪探针：存储可达才算就绪。HTTP端点: GET /health/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 存活探针。HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Stats 系统统计信息。HTTP端点: GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountWorkflows(r.Context())
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows":     count,
		"max_workflows": h.maxWorkflows,
		"recording":     h.recorder.Recording(),
	})
}

// ==================== 工作流管理 ====================

// CreateWorkflow 创建工作流。HTTP端点: POST /api/v1/workflows
//
// 请求体是完整的工作流定义（名称 + 步骤序列），通常由 CLI 从
// 录制导出的文件提交。名称重复返回 409，超出保存上限返回 422。
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf domain.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.Version = 1
	wf.CreatedAt = time.Now()
	wf.UpdatedAt = wf.CreatedAt
	if err := wf.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	count, err := h.store.CountWorkflows(r.Context())
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	if count >= h.maxWorkflows {
		writeError(w, r, http.StatusUnprocessableEntity, domain.ErrTooManyWorkflows.Error())
		return
	}

	if err := h.store.CreateWorkflow(r.Context(), &wf); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.WorkflowsTotal.Set(float64(count + 1))
	}

	h.logger.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"steps":       len(wf.Steps),
	}).Info("工作流已创建")
	writeJSON(w, http.StatusCreated, &wf)
}

// ListWorkflows 获取工作流列表。HTTP端点: GET /api/v1/workflows
// 支持 offset/limit 分页查询参数。
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r, 50)
	workflows, total, err := h.store.ListWorkflows(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.WorkflowListResponse{
		Workflows: workflows,
		Total:     total,
		Offset:    offset,
		Limit:     limit,
	})
}

// GetWorkflow 获取单个工作流。HTTP端点: GET /api/v1/workflows/{id}
// id 同时接受工作流 ID 或名称。
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// UpdateWorkflow 更新工作流定义，版本号递增。
// HTTP端点: PUT /api/v1/workflows/{id}
// 回放进行中返回 423（WorkflowLocked）。
func (h *Handler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	var req domain.UpdateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Description != nil {
		wf.Description = *req.Description
	}
	if req.Steps != nil {
		wf.Steps = *req.Steps
	}
	if err := wf.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateWorkflow(r.Context(), wf); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	h.logger.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"version":     wf.Version,
	}).Info("工作流已更新")
	writeJSON(w, http.StatusOK, wf)
}

// DeleteWorkflow 删除工作流及其触发器，回放历史默认保留。
// HTTP端点: DELETE /api/v1/workflows/{id}?purge=true
// purge=true 时连同回放历史一并清除。回放进行中返回 423（WorkflowLocked）。
func (h *Handler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	purge := r.URL.Query().Get("purge") == "true"
	if err := h.store.DeleteWorkflow(r.Context(), wf.ID, purge); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	h.scheduler.Unmount(wf.ID)

	h.logger.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"purge":       purge,
	}).Info("工作流已删除")
	w.WriteHeader(http.StatusNoContent)
}

// ==================== 回放 ====================

// StartRun 启动一次回放。HTTP端点: POST /api/v1/workflows/{id}/runs
// 同一工作流已有进行中的回放返回 409。
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	var req domain.StartRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	run, err := h.engine.StartRun(r.Context(), wf.ID, req, "manual")
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// ListRuns 获取工作流的回放历史（新到旧）。
// HTTP端点: GET /api/v1/workflows/{id}/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	offset, limit := pagination(r, 20)
	runs, total, err := h.store.ListRuns(r.Context(), wf.ID, offset, limit)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.RunListResponse{Runs: runs, Total: total})
}

// GetRun 获取单次回放详情（含逐步骤结果）。
// HTTP端点: GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRunByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun 取消进行中的回放。HTTP端点: POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// ==================== 触发器 ====================

// PutTrigger 挂载（或替换）工作流的触发器。
// HTTP端点: PUT /api/v1/workflows/{id}/trigger
// 工作流已有其他触发器时返回 409（TriggerConflict）。
func (h *Handler) PutTrigger(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	var trig domain.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trig); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if trig.ID == "" {
		trig.ID = uuid.New().String()
	}
	trig.WorkflowID = wf.ID
	trig.CreatedAt = time.Now()
	if err := trig.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SaveTrigger(r.Context(), &trig); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	if err := h.scheduler.Mount(&trig); err != nil {
		// 表达式解析失败等挂载错误不保留半成品触发器
		h.store.DeleteTrigger(r.Context(), wf.ID)
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	h.logger.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"kind":        trig.Kind,
	}).Info("触发器已挂载")
	writeJSON(w, http.StatusCreated, &trig)
}

// GetTrigger 获取工作流的触发器。
// HTTP端点: GET /api/v1/workflows/{id}/trigger
func (h *Handler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	trig, err := h.store.GetTriggerByWorkflow(r.Context(), wf.ID)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trig)
}

// DeleteTrigger 卸载工作流的触发器。
// HTTP端点: DELETE /api/v1/workflows/{id}/trigger
func (h *Handler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	wf, err := h.lookupWorkflow(r)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	if err := h.store.DeleteTrigger(r.Context(), wf.ID); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	h.scheduler.Unmount(wf.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ==================== 录制 ====================

// startRecordingRequest 开始录制的请求体。
type startRecordingRequest struct {
	Name string `json:"name"`
}

// StartRecording 开始一次录制会话。HTTP端点: POST /api/v1/recordings
// 已有会话进行中返回 409。
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.recorder.Start(req.Name); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "status": "recording"})
}

// RecordEvent 向当前录制会话投递一个原始输入事件。
// HTTP端点: POST /api/v1/recordings/events
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev recorder.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.recorder.Observe(r.Context(), ev); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StopRecording 结束录制会话并把生成的工作流保存到存储。
// HTTP端点: POST /api/v1/recordings/stop
// 没有录到任何步骤返回 422（EmptyRecording），不产生工作流。
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	wf, err := h.recorder.Stop()
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	count, err := h.store.CountWorkflows(r.Context())
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	if count >= h.maxWorkflows {
		writeError(w, r, http.StatusUnprocessableEntity, domain.ErrTooManyWorkflows.Error())
		return
	}

	if err := h.store.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.WorkflowsTotal.Set(float64(count + 1))
	}

	h.logger.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"steps":       len(wf.Steps),
	}).Info("录制结束，工作流已保存")
	writeJSON(w, http.StatusCreated, wf)
}

// AbortRecording 放弃当前录制会话。HTTP端点: DELETE /api/v1/recordings
func (h *Handler) AbortRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.recorder.Abort(); err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ==================== 辅助函数 ====================

// lookupWorkflow 按路径参数解析工作流，先按 ID 查找，再按名称查找。
func (h *Handler) lookupWorkflow(r *http.Request) (*domain.Workflow, error) {
	key := chi.URLParam(r, "id")
	wf, err := h.store.GetWorkflowByID(r.Context(), key)
	if err == nil {
		return wf, nil
	}
	if !errors.Is(err, domain.ErrWorkflowNotFound) {
		return nil, err
	}
	return h.store.GetWorkflowByName(r.Context(), key)
}

// pagination 解析 offset/limit 查询参数。
func pagination(r *http.Request, defaultLimit int) (offset, limit int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return offset, limit
}

// statusFor 把领域错误映射到 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrWorkflowNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrTriggerNotFound),
		errors.Is(err, domain.ErrNoRecording):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrWorkflowExists),
		errors.Is(err, domain.ErrTriggerConflict),
		errors.Is(err, domain.ErrRunInProgress),
		errors.Is(err, domain.ErrRecordingInProgress),
		errors.Is(err, domain.ErrRunNotResumable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrWorkflowLocked):
		return http.StatusLocked
	case errors.Is(err, domain.ErrEmptyRecording),
		errors.Is(err, domain.ErrTooManyWorkflows):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidWorkflowName),
		errors.Is(err, domain.ErrInvalidWorkflowDefinition),
		errors.Is(err, domain.ErrInvalidStep),
		errors.Is(err, domain.ErrInvalidTrigger):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrStorageConnection),
		errors.Is(err, domain.ErrStorageQuery):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse 是错误响应结构体，包含请求追踪信息便于排查。
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应。
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以统一 JSON 格式写入 HTTP 响应。
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
