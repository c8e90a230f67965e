package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"session-key-service/config"
	"session-key-service/internal/infra"
	"session-key-service/internal/middleware"
)

// Routes はルーターに登録するハンドラとセッションゲート。
type Routes struct {
	Keys             *KeyHandler
	Session          *SessionHandler
	SessionGate      *middleware.Session
	RegistrationGate *middleware.Session
	// DashboardGate はダッシュボード用チャネル。nil の場合 /dashboard 配下は登録しない。
	DashboardGate *middleware.Session
}

// NewRouter はルーターを生成する。
func NewRouter(routes Routes, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", infra.MetricsHandler())
	}

	// ハンドシェイク（平文JSON）
	r.Route("/key", func(r chi.Router) {
		r.Post("/dashboard/generate", routes.Keys.GenerateDashboardKey)
		r.Post("/publicKey", routes.Keys.IssuePublicKey)
		r.Post("/setAESkey", routes.Keys.SetAESKey)
		r.Post("/reg/publicKey", routes.Keys.IssueRegistrationPublicKey)
		r.Post("/reg/setAESkey", routes.Keys.SetRegistrationAESKey)
	})

	// セッション保護ルート（エンベロープ）
	r.Group(func(r chi.Router) {
		r.Use(routes.SessionGate.Handler)
		r.Post("/session/echo", routes.Session.Echo)
	})
	r.Group(func(r chi.Router) {
		r.Use(routes.RegistrationGate.Handler)
		r.Post("/reg/session/echo", routes.Session.Echo)
	})
	if routes.DashboardGate != nil {
		r.Group(func(r chi.Router) {
			r.Use(routes.DashboardGate.Handler)
			r.Post("/dashboard/session/echo", routes.Session.Echo)
		})
	}

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
