package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// newMockClient 返回指向 mock 服务器的客户端。
func newMockClient(srv *httptest.Server) *Client {
	viper.Set("api_url", srv.URL)
	return NewClient()
}

// TestClientListWorkflows 验证工作流列表请求与解析。
func TestClientListWorkflows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows" {
			t.Errorf("expected path /api/v1/workflows, got %s", r.URL.Path)
		}

		resp := map[string]interface{}{
			"workflows": []map[string]interface{}{
				{
					"id":         "wf-1",
					"name":       "fill-report",
					"version":    3,
					"steps":      []map[string]interface{}{{"kind": "click"}},
					"created_at": "2026-01-26T00:00:00Z",
				},
			},
			"total": 1,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()
	defer viper.Set("api_url", "")

	client := newMockClient(server)
	workflows, err := client.ListWorkflows()
	if err != nil {
		t.Fatalf("ListWorkflows() error = %v", err)
	}
	if len(workflows) != 1 || workflows[0].Name != "fill-report" || workflows[0].Version != 3 {
		t.Errorf("workflows = %+v, want one fill-report v3", workflows)
	}
}

// TestClientStartRun 验证回放启动请求体与响应解析。
func TestClientStartRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/workflows/fill-report/runs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req StartRunRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Mode != "foreground" || !req.Resume {
			t.Errorf("request = %+v, want foreground resume", req)
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Run{
			ID:           "run-1",
			WorkflowName: "fill-report",
			Status:       "running",
		})
	}))
	defer server.Close()
	defer viper.Set("api_url", "")

	client := newMockClient(server)
	run, err := client.StartRun("fill-report", &StartRunRequest{Mode: "foreground", Resume: true})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.ID != "run-1" || run.Status != "running" {
		t.Errorf("run = %+v, want running run-1", run)
	}
}

// TestClientAPIError 验证错误响应被解析为 APIError。
func TestClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "run already in progress for workflow",
			"request_id": "req-42",
		})
	}))
	defer server.Close()
	defer viper.Set("api_url", "")

	client := newMockClient(server)
	_, err := client.StartRun("busy", &StartRunRequest{})
	if err == nil {
		t.Fatal("StartRun() error = nil, want APIError")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Code != http.StatusConflict || apiErr.RequestID != "req-42" {
		t.Errorf("apiErr = %+v, want 409 with req-42", apiErr)
	}
}

// TestClientAPIKeyHeader 验证 API 密钥随请求发送。
func TestClientAPIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("X-API-Key = %q, want secret", r.Header.Get("X-API-Key"))
		}
		json.NewEncoder(w).Encode(WorkflowListResponse{})
	}))
	defer server.Close()
	defer viper.Set("api_url", "")
	defer viper.Set("api_key", "")

	viper.Set("api_key", "secret")
	client := newMockClient(server)
	if _, err := client.ListWorkflows(); err != nil {
		t.Fatalf("ListWorkflows() error = %v", err)
	}
}

// TestClientPutTrigger 验证触发器挂载请求。
func TestClientPutTrigger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PUT" || r.URL.Path != "/api/v1/workflows/fill-report/trigger" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var trig Trigger
		json.NewDecoder(r.Body).Decode(&trig)
		if trig.Kind != "cron" || trig.Expr != "0 9 * * 1-5" {
			t.Errorf("trigger = %+v, want cron trigger", trig)
		}

		trig.ID = "trig-1"
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(trig)
	}))
	defer server.Close()
	defer viper.Set("api_url", "")

	client := newMockClient(server)
	created, err := client.PutTrigger("fill-report", &Trigger{
		Kind: "cron", Expr: "0 9 * * 1-5", Enabled: true,
	})
	if err != nil {
		t.Fatalf("PutTrigger() error = %v", err)
	}
	if created.ID != "trig-1" {
		t.Errorf("created.ID = %s, want trig-1", created.ID)
	}
}

// TestPrinterWorkflowsTable 验证表格输出包含关键列。
func TestPrinterWorkflowsTable(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "table", writer: &buf}

	err := p.PrintWorkflows([]Workflow{
		{
			ID:      "wf-1",
			Name:    "fill-report",
			Version: 2,
			Steps:   []Step{{Kind: "click"}, {Kind: "type-text", Text: "hi"}},
			Trigger: &Trigger{Kind: "cron", Expr: "0 9 * * *"},
		},
	})
	if err != nil {
		t.Fatalf("PrintWorkflows() error = %v", err)
	}

	output := buf.String()
	for _, want := range []string{"fill-report", "wf-1", "cron", "NAME"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

// TestPrinterRunDetail 验证回放详情输出逐步骤结果。
func TestPrinterRunDetail(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "table", writer: &buf}

	ended := time.Date(2026, 8, 26, 9, 0, 5, 0, time.UTC)
	err := p.PrintRun(&Run{
		ID:              "run-1",
		WorkflowName:    "fill-report",
		WorkflowVersion: 2,
		Status:          "partially-completed",
		Trigger:         "cron",
		Error:           "step 1 (click) failed",
		StartedAt:       time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC),
		EndedAt:         &ended,
		StepOutcomes: []StepOutcome{
			{Index: 0, Kind: "launch-app", Outcome: "succeeded", Attempts: 1},
			{Index: 1, Kind: "click", Outcome: "failed", Attempts: 3, Error: "element not found"},
		},
	})
	if err != nil {
		t.Fatalf("PrintRun() error = %v", err)
	}

	output := buf.String()
	for _, want := range []string{"partially-completed", "element not found", "launch-app", "v2"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

// TestPrinterJSON 验证 JSON 输出可以被解析回来。
func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "json", writer: &buf}

	if err := p.PrintWorkflows([]Workflow{{ID: "wf-1", Name: "demo"}}); err != nil {
		t.Fatalf("PrintWorkflows() error = %v", err)
	}

	var decoded []Workflow
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Name != "demo" {
		t.Errorf("decoded = %+v, want one demo workflow", decoded)
	}
}
