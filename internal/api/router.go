package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oriys/mimic/internal/auth"
	"github.com/oriys/mimic/internal/telemetry"
)

// NewRouter 创建并配置 HTTP 路由器。
// 该函数设置所有的 API 路由、中间件和处理程序。
func NewRouter(h *Handler, authMW *auth.Middleware) *chi.Mux {
	r := chi.NewRouter()

	// ==================== 中间件 ====================

	r.Use(telemetry.HTTPMiddleware("mimic-daemon"))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)

	// ==================== 健康检查与指标 ====================

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)
	r.Handle("/metrics", promhttp.Handler())

	// ==================== API v1 ====================

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMW.Authenticate)

		r.Get("/stats", h.Stats)

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.CreateWorkflow)
			r.Get("/", h.ListWorkflows)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetWorkflow)
				r.Put("/", h.UpdateWorkflow)
				r.Delete("/", h.DeleteWorkflow)

				r.Post("/runs", h.StartRun)
				r.Get("/runs", h.ListRuns)

				r.Put("/trigger", h.PutTrigger)
				r.Get("/trigger", h.GetTrigger)
				r.Delete("/trigger", h.DeleteTrigger)
			})
		})

		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", h.GetRun)
			r.Post("/cancel", h.CancelRun)
			r.Get("/watch", h.WatchRun)
		})

		r.Route("/recordings", func(r chi.Router) {
			r.Post("/", h.StartRecording)
			r.Post("/events", h.RecordEvent)
			r.Post("/stop", h.StopRecording)
			r.Delete("/", h.AbortRecording)
		})
	})

	return r
}

// corsMiddleware 处理跨域资源共享（CORS）请求。
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
