package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/usergate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HTTPMetrics       middleware.HTTPMetrics
	CORSAllowedOrigin string
	// TrustProxyHeaders が真のときのみX-Forwarded-For等からクライアントIPを採用する
	TrustProxyHeaders bool
	RateLimiter       *middleware.RateLimiter
	CSRFEnabled       bool
	CSRFConfig        middleware.CSRFConfig

	// メトリクス公開（nilなら/metricsを登録しない）
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	// ヘルスチェック
	HealthChecker HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP（TrustProxyHeaders時）→ Logging → Recovery → SecurityHeaders → CORS
//	  → (/api/v1) RateLimit(General) → CSRF（有効時）
//
// 登録・ログイン・パスワード変更には資格情報系のレート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPMetrics))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		if deps.CSRFEnabled {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))
		}

		credentialsLimit := deps.RateLimiter.CredentialsMiddleware()

		r.Get("/health", healthHandler.Health)

		r.Route("/user", func(r chi.Router) {
			r.With(credentialsLimit).Post("/", userHandler.Register)

			r.With(credentialsLimit).Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
			r.Get("/session/check", authHandler.CheckSession)

			r.Route("/{userId}", func(r chi.Router) {
				r.Get("/", userHandler.Get)
				r.Delete("/", userHandler.Delete)
				r.Patch("/profile", userHandler.UpdateProfile)
				r.Patch("/preferences", userHandler.UpdatePreferences)
				r.Patch("/security", userHandler.UpdateSecurity)
				r.With(credentialsLimit).Patch("/reset-password", userHandler.ResetPassword)
			})
		})
	})

	return r
}
