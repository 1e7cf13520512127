package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/app"
)

// RouterConfig wires the HTTP surface. Admin routes are only mounted when
// AdminJWTSecret is set.
type RouterConfig struct {
	Callbacks      CallbackHandler
	Entries        EntryReader
	SigningSecret  string
	AdminJWTSecret string
	Logger         *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RealIP)
	r.Use(chi_middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(chi_middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	webhook := NewWebhookHandler(cfg.Callbacks, cfg.SigningSecret, cfg.Logger)
	r.Post("/webhooks/sms/delivery", webhook.HandleDeliveryCallback)

	if cfg.AdminJWTSecret != "" && cfg.Entries != nil {
		admin := NewAdminHandler(cfg.Entries, cfg.Logger)
		r.Route("/admin/retry", func(r chi.Router) {
			r.Use(AdminAuthMiddleware([]byte(cfg.AdminJWTSecret), cfg.Logger))
			r.Get("/entries", admin.ListEntries)
			r.Get("/entries/{id}", admin.GetEntry)
			r.Get("/stats", admin.Stats)
		})
	} else {
		cfg.Logger.Info("Admin routes disabled: no admin JWT secret configured")
	}
	return r
}

// requestMetrics reports every request under its chi route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		app.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}
