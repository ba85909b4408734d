package auth

import (
	"net/http"
)

// Middleware 是 API Key 认证中间件。
type Middleware struct {
	// header 存储 API Key 的 HTTP 头名称
	header string
	// key 期望的 API Key
	key string
	// enabled 是否启用认证，为 false 时跳过所有检查
	enabled bool
}

// NewMiddleware 创建认证中间件。
// 参数:
//   - header: 用于传递 API Key 的 HTTP 头名称（如 "X-API-Key"）
//   - key: 期望的 API Key
//   - enabled: 是否启用认证
func NewMiddleware(header, key string, enabled bool) *Middleware {
	if header == "" {
		header = "X-API-Key"
	}
	return &Middleware{header: header, key: key, enabled: enabled}
}

// Authenticate 验证请求携带的 API Key，失败返回 401。
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get(m.header); key != "" && Equal(key, m.key) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	})
}
