// Package config 提供了桌面自动化工作流引擎的配置管理功能。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad 测试从 YAML 文件加载配置并应用默认值。
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  http_port: 18080
locator:
  threshold: 0.75
replay:
  max_attempts: 5
  retry_interval: 250ms
storage:
  backend: memory
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// 文件中显式设置的值
	if cfg.Server.HTTPPort != 18080 {
		t.Errorf("http_port = %d, want 18080", cfg.Server.HTTPPort)
	}
	if cfg.Locator.Threshold != 0.75 {
		t.Errorf("threshold = %v, want 0.75", cfg.Locator.Threshold)
	}
	if cfg.Replay.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Replay.MaxAttempts)
	}
	if cfg.Replay.RetryInterval != 250*time.Millisecond {
		t.Errorf("retry_interval = %v, want 250ms", cfg.Replay.RetryInterval)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Storage.Backend)
	}

	// 未设置的值应填充默认值
	if cfg.Server.MetricsPort != 9090 {
		t.Errorf("metrics_port = %d, want 9090", cfg.Server.MetricsPort)
	}
	if cfg.Replay.BackoffRate != 2.0 {
		t.Errorf("backoff_rate = %v, want 2.0", cfg.Replay.BackoffRate)
	}
	if cfg.Coordinator.QuiescenceWindow != 2*time.Second {
		t.Errorf("quiescence_window = %v, want 2s", cfg.Coordinator.QuiescenceWindow)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("api_key_header = %q, want X-API-Key", cfg.Auth.APIKeyHeader)
	}
}

// TestLoad_FileNotFound 测试配置文件不存在时返回错误。
func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

// TestDefault 测试无配置文件启动时的默认配置。
func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Locator.Threshold != 0.6 {
		t.Errorf("threshold = %v, want 0.6", cfg.Locator.Threshold)
	}
	if cfg.Replay.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", cfg.Replay.MaxAttempts)
	}
	if cfg.Replay.StepTimeout != 30*time.Second {
		t.Errorf("step_timeout = %v, want 30s", cfg.Replay.StepTimeout)
	}
	if cfg.Scheduler.TickInterval != time.Second {
		t.Errorf("tick_interval = %v, want 1s", cfg.Scheduler.TickInterval)
	}
	if cfg.Workflow.MaxWorkflows != 200 {
		t.Errorf("max_workflows = %d, want 200", cfg.Workflow.MaxWorkflows)
	}
	// 崩溃恢复与补跑默认开启
	if !cfg.Replay.RecoveryEnabled {
		t.Error("recovery_enabled = false, want true by default")
	}
	if !cfg.Scheduler.CatchUpEnabled {
		t.Error("catch_up_enabled = false, want true by default")
	}
}

// TestLoad_BoolOverrides 测试配置文件可以显式关闭默认开启的布尔项。
func TestLoad_BoolOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
replay:
  recovery_enabled: false
scheduler:
  catch_up_enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Replay.RecoveryEnabled {
		t.Error("recovery_enabled = true, want explicit false to win")
	}
	if cfg.Scheduler.CatchUpEnabled {
		t.Error("catch_up_enabled = true, want explicit false to win")
	}
}

// TestEnvOverrides 测试环境变量覆盖敏感配置项。
func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIMIC_POSTGRES_PASSWORD", "secret-from-env")
	t.Setenv("MIMIC_AUTH_API_KEY", "key-from-env")

	cfg := Default()

	if cfg.Storage.Postgres.Password != "secret-from-env" {
		t.Errorf("postgres password = %q, want env override", cfg.Storage.Postgres.Password)
	}
	if cfg.Auth.APIKey != "key-from-env" {
		t.Errorf("api key = %q, want env override", cfg.Auth.APIKey)
	}
}

// TestEnvOverrides_File 测试通过 *_FILE 环境变量从文件读取密钥。
// 文件方式优先级高于直接环境变量。
func TestEnvOverrides_File(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "pg_password")
	if err := os.WriteFile(secretPath, []byte("secret-from-file\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	t.Setenv("MIMIC_POSTGRES_PASSWORD", "secret-from-env")
	t.Setenv("MIMIC_POSTGRES_PASSWORD_FILE", secretPath)

	cfg := Default()

	if cfg.Storage.Postgres.Password != "secret-from-file" {
		t.Errorf("postgres password = %q, want file override to win", cfg.Storage.Postgres.Password)
	}
}
