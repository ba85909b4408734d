// Package main 是桌面自动化工作流守护进程的入口点。
// 守护进程托管录制器、回放引擎与触发器调度器，并通过 HTTP API
// 对外提供工作流管理能力。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/mimic/internal/api"
	"github.com/oriys/mimic/internal/auth"
	"github.com/oriys/mimic/internal/config"
	"github.com/oriys/mimic/internal/coordinator"
	"github.com/oriys/mimic/internal/desktop"
	"github.com/oriys/mimic/internal/events"
	"github.com/oriys/mimic/internal/locator"
	"github.com/oriys/mimic/internal/metrics"
	"github.com/oriys/mimic/internal/recorder"
	"github.com/oriys/mimic/internal/replay"
	"github.com/oriys/mimic/internal/scheduler"
	"github.com/oriys/mimic/internal/storage"
	"github.com/oriys/mimic/internal/telemetry"
)

// cursorPollInterval 指针活动采样间隔
const cursorPollInterval = 50 * time.Millisecond

// main 初始化所有依赖组件并启动 HTTP 服务器。
func main() {
	configPath := flag.String("config", "/etc/mimic/config.yaml", "Path to config file")
	flag.Parse()

	// 设置日志记录器
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.WithField("backend", cfg.Storage.Backend).Info("Starting Mimic daemon")

	// 初始化遥测系统 (OpenTelemetry)
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.New(context.Background(), cfg.Telemetry)
		if err != nil {
			// 遥测初始化失败不影响主服务运行
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			defer tel.Shutdown(context.Background())
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	// 初始化存储
	var store storage.Store
	switch cfg.Storage.Backend {
	case "memory":
		store = storage.NewMemoryStore()
		logger.Warn("Using in-memory storage, workflows will not survive restarts")
	default:
		pgStore, err := storage.NewPostgresStore(cfg.Storage.Postgres)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
		}
		defer pgStore.Close()
		store = pgStore
	}

	// 初始化 Prometheus 指标收集器
	var m *metrics.Metrics
	var metricsCancel context.CancelFunc
	if cfg.Metrics.Enabled {
		namespace := cfg.Metrics.Namespace
		if namespace == "" {
			namespace = "mimic"
		}
		m = metrics.NewMetrics(namespace)

		ctx, cancel := context.WithCancel(context.Background())
		metricsCancel = cancel

		updateCounts := func() {
			if count, err := store.CountWorkflows(ctx); err == nil {
				m.WorkflowsTotal.Set(float64(count))
			}
		}
		updateCounts()

		// 每 5 秒刷新一次存量指标
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					updateCounts()
				}
			}
		}()
	}

	// 初始化桌面驱动与定位器
	driver := desktop.NewRobotgoDriver(cfg.Automation, logger)
	loc := locator.New(nil, cfg.Locator, logger)

	// 初始化录制器
	rec := recorder.New(driver, loc, cfg.Recorder, logger)

	// 初始化后台执行协调器
	// 指针活动监视器用于前台执行的输入安静判定
	cursorMonitor := desktop.NewCursorMonitor(cursorPollInterval)
	defer cursorMonitor.Stop()
	coord := coordinator.New(cursorMonitor, nil, cfg.Coordinator, logger)

	// 初始化事件总线（可选）
	var bus *events.EventBus
	if cfg.Events.Enabled {
		bus, err = events.NewEventBus(cfg.Events.NatsURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer bus.Close()
	}

	// 初始化回放引擎
	exec := replay.NewExecutor(driver, loc, cfg.Replay, logger)
	var publisher replay.EventPublisher
	if bus != nil {
		publisher = bus
	}
	engine := replay.NewEngine(cfg.Replay, store, exec, coord, publisher, m, logger)
	if err := engine.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start replay engine")
	}
	defer engine.Stop()

	// 初始化触发器调度器
	sched := scheduler.New(store, engine, cfg.Scheduler, m, logger)
	if err := sched.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start trigger scheduler")
	}
	defer sched.Stop()

	// 订阅远程触发请求
	if bus != nil {
		subCtx, subCancel := context.WithCancel(context.Background())
		defer subCancel()
		if err := bus.SubscribeRunRequests(subCtx, engine); err != nil {
			logger.WithError(err).Error("Failed to subscribe to remote run requests")
		}
	}

	// 初始化 API 处理器和路由
	handler := api.NewHandler(store, engine, rec, sched, m, cfg.Workflow.MaxWorkflows, logger)
	authMW := auth.NewMiddleware(cfg.Auth.APIKeyHeader, cfg.Auth.APIKey, cfg.Auth.Enabled)
	router := api.NewRouter(handler, authMW)

	// 指标端口与主服务端口不同时单独启动指标服务器
	var metricsServer *http.Server
	if cfg.Metrics.Enabled && cfg.Server.MetricsPort != cfg.Server.HTTPPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.WithField("port", cfg.Server.MetricsPort).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Metrics server failed")
			}
		}()
	}

	// 启动主 HTTP 服务器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 等待关闭信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	if metricsCancel != nil {
		metricsCancel()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	logger.Info("Server stopped")
}
