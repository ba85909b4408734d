// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 API 客户端，用于与本机守护进程通信。
//
// Client 封装了所有与守护进程的交互逻辑，包括：
//   - 工作流的 CRUD 操作
//   - 回放的启动、取消与历史查询
//   - 触发器的挂载与卸载
//   - 录制会话的控制
//
// 客户端使用 HTTP/JSON 协议与守护进程通信。
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// Client 是守护进程的 API 客户端。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 创建一个新的 API 客户端实例。
// 从 viper 配置中读取 api_url 与 api_key。
func NewClient() *Client {
	baseURL := viper.GetString("api_url")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  viper.GetString("api_key"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ====== 领域模型定义 ======

// Step 工作流中的单个步骤。
type Step struct {
	Kind      string          `json:"kind"`                 // 步骤类型
	Target    json.RawMessage `json:"target,omitempty"`     // 目标元素描述符
	Text      string          `json:"text,omitempty"`       // 输入文本
	Key       string          `json:"key,omitempty"`        // 按键
	Modifiers []string        `json:"modifiers,omitempty"`  // 修饰键
	Button    string          `json:"button,omitempty"`     // 鼠标按钮
	WaitMs    int             `json:"wait_ms,omitempty"`    // 等待时长（毫秒）
	App       string          `json:"app,omitempty"`        // 应用名称
	SkipCount int             `json:"skip_count,omitempty"` // 条件分支跳过数
	Optional  bool            `json:"optional,omitempty"`   // 是否可选
	TimeoutMs int             `json:"timeout_ms,omitempty"` // 步骤超时（毫秒）
}

// Workflow 工作流定义。
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	Steps       []Step    `json:"steps"`
	Trigger     *Trigger  `json:"trigger,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowListResponse 工作流列表响应。
type WorkflowListResponse struct {
	Workflows []Workflow `json:"workflows"`
	Total     int        `json:"total"`
}

// StepOutcome 单个步骤的回放结果。
type StepOutcome struct {
	Index      int       `json:"index"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Confidence float64   `json:"confidence,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Run 一次回放记录。
type Run struct {
	ID              string        `json:"id"`
	WorkflowID      string        `json:"workflow_id"`
	WorkflowName    string        `json:"workflow_name"`
	WorkflowVersion int           `json:"workflow_version"`
	Status          string        `json:"status"`
	Trigger         string        `json:"trigger"`
	Error           string        `json:"error,omitempty"`
	StepOutcomes    []StepOutcome `json:"step_outcomes,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// RunListResponse 回放历史列表响应。
type RunListResponse struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

// Trigger 工作流触发器配置。
type Trigger struct {
	ID          string     `json:"id,omitempty"`
	WorkflowID  string     `json:"workflow_id,omitempty"`
	Kind        string     `json:"kind"`
	Expr        string     `json:"expr,omitempty"`
	Path        string     `json:"path,omitempty"`
	Coalesce    string     `json:"coalesce,omitempty"`
	Enabled     bool       `json:"enabled"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}

// StartRunRequest 启动回放请求。
type StartRunRequest struct {
	Mode   string `json:"mode,omitempty"`
	Resume bool   `json:"resume,omitempty"`
}

// APIError 守护进程返回的错误。
type APIError struct {
	Code      int    `json:"-"`
	Message   string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Error 实现 error 接口。
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (HTTP %d, request %s)", e.Message, e.Code, e.RequestID)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Code)
}

// do 执行 HTTP 请求并处理响应。
func (c *Client) do(method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Message != "" {
			apiErr.Code = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// ====== 工作流操作方法 ======

func (c *Client) ListWorkflows() ([]Workflow, error) {
	var resp WorkflowListResponse
	if err := c.do("GET", "/api/v1/workflows?limit=500", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

func (c *Client) GetWorkflow(idOrName string) (*Workflow, error) {
	var wf Workflow
	if err := c.do("GET", "/api/v1/workflows/"+idOrName, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *Client) CreateWorkflow(wf *Workflow) (*Workflow, error) {
	var created Workflow
	if err := c.do("POST", "/api/v1/workflows", wf, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) DeleteWorkflow(idOrName string, purge bool) error {
	path := "/api/v1/workflows/" + idOrName
	if purge {
		path += "?purge=true"
	}
	return c.do("DELETE", path, nil, nil)
}

// ====== 回放操作方法 ======

func (c *Client) StartRun(idOrName string, req *StartRunRequest) (*Run, error) {
	var run Run
	if err := c.do("POST", "/api/v1/workflows/"+idOrName+"/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListRuns(idOrName string, limit int) ([]Run, error) {
	var resp RunListResponse
	path := fmt.Sprintf("/api/v1/workflows/%s/runs?limit=%d", idOrName, limit)
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *Client) GetRun(id string) (*Run, error) {
	var run Run
	if err := c.do("GET", "/api/v1/runs/"+id, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) CancelRun(id string) error {
	return c.do("POST", "/api/v1/runs/"+id+"/cancel", nil, nil)
}

// ====== 触发器操作方法 ======

func (c *Client) PutTrigger(idOrName string, trig *Trigger) (*Trigger, error) {
	var created Trigger
	if err := c.do("PUT", "/api/v1/workflows/"+idOrName+"/trigger", trig, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) GetTrigger(idOrName string) (*Trigger, error) {
	var trig Trigger
	if err := c.do("GET", "/api/v1/workflows/"+idOrName+"/trigger", nil, &trig); err != nil {
		return nil, err
	}
	return &trig, nil
}

func (c *Client) DeleteTrigger(idOrName string) error {
	return c.do("DELETE", "/api/v1/workflows/"+idOrName+"/trigger", nil, nil)
}

// ====== 录制操作方法 ======

func (c *Client) StartRecording(name string) error {
	return c.do("POST", "/api/v1/recordings", map[string]string{"name": name}, nil)
}

func (c *Client) StopRecording() (*Workflow, error) {
	var wf Workflow
	if err := c.do("POST", "/api/v1/recordings/stop", nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *Client) AbortRecording() error {
	return c.do("DELETE", "/api/v1/recordings", nil, nil)
}
