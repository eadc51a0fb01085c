package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/guardian/internal/contentfilter"
	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/middleware"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/ratelimit"
	"github.com/hitoshi/guardian/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 横断的な依存
	Logger         *slog.Logger
	Collector      metrics.MetricsCollector
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
	HealthChecks   map[string]Pinger
	ErrorHandler   ErrorHandler
	EventSink      middleware.EventSink

	// セキュリティステージ（nilの場合は無効）
	RateLimiter   *ratelimit.Limiter
	ContentFilter *contentfilter.Filter

	// 認証
	AuthService AuthService
	AgeResolver middleware.AgeResolver

	// 生成
	Generator Generator
	Sanitizer *security.ContentSanitizer

	// 管理
	AuditQuerier AuditQuerier

	// ミドルウェア設定
	CORSAllowedOrigin     string
	TrustProxyHeaders     bool
	CookieDomain          string
	CookieSecure          bool
	CSRFProtectionEnabled bool
	XSSProtectionEnabled  bool
}

// ErrorHandler はエラー応答の書き出しと集計を行う。errorhandler.Handlerが実装する。
type ErrorHandler interface {
	middleware.ErrorHandler
	ErrorStatsProvider
}

// NewRouter は全APIエンドポイントのルーティングとセキュリティミドルウェアチェーンを構成したchi.Routerを返す。
//
// 全ルート共通のミドルウェアの実行順序:
//
//	[RealIP] → RequestID → Recovery → Logging → SecurityHeaders → CORS → SensitiveFieldFilter
//	→ Audit → IPBlock → RateLimit(api_calls/ip) → XSS → CSRF
//
// 認証が必要なルートではさらに Auth → RateLimit(user) を適用し、
// /api/generate ではその後にコンテンツ検査を行う。
// /health と /metrics はセキュリティチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	eh := deps.ErrorHandler

	r.Get("/health", NewHealthHandler(deps.HealthChecks).ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	csrfConfig := middleware.CSRFConfig{
		CookieSecure: deps.CookieSecure,
		CookieDomain: deps.CookieDomain,
	}
	authHandler := NewAuthHandler(deps.AuthService, eh, AuthHandlerConfig{
		CookieDomain: deps.CookieDomain,
		CookieSecure: deps.CookieSecure,
	})
	generateHandler := NewGenerateHandler(deps.Generator, deps.ContentFilter, deps.Sanitizer,
		deps.EventSink, eh, deps.AgeResolver)
	adminHandler := NewAdminHandler(deps.AuditQuerier, deps.RateLimiter, eh, deps.AuthService, eh)

	limit := func(action ratelimit.Action, scope ratelimit.Scope) func(http.Handler) http.Handler {
		if deps.RateLimiter == nil {
			return passthrough
		}
		return middleware.NewRateLimitMiddleware(deps.RateLimiter, eh, action, scope)
	}
	authenticated := middleware.NewAuthMiddleware(deps.AuthService, eh)

	r.Group(func(r chi.Router) {
		if deps.TrustProxyHeaders {
			r.Use(chimw.RealIP)
		}
		r.Use(middleware.NewRequestIDMiddleware())
		r.Use(middleware.NewRecoveryMiddleware(eh))
		r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Collector))
		r.Use(middleware.NewSecurityHeadersMiddleware(deps.CookieSecure))
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewSensitiveFieldFilter("/auth/"))
		r.Use(middleware.NewAuditMiddleware(deps.EventSink))
		if deps.RateLimiter != nil {
			r.Use(middleware.NewIPBlockMiddleware(deps.RateLimiter, eh))
		}
		r.Use(limit(ratelimit.ActionAPICalls, ratelimit.ScopeIP))
		if deps.XSSProtectionEnabled {
			r.Use(middleware.NewXSSInspectionMiddleware(eh))
		}
		if deps.CSRFProtectionEnabled {
			r.Use(middleware.NewCSRFMiddleware(csrfConfig, eh))
		}

		r.Route("/auth", func(r chi.Router) {
			// 認証不要
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)
			r.Post("/register", authHandler.Register)
			r.With(limit(ratelimit.ActionLoginAttempts, ratelimit.ScopeIP)).Post("/login", authHandler.Login)
			r.With(limit(ratelimit.ActionLoginAttempts, ratelimit.ScopeIP)).Post("/mfa/login", authHandler.MFALogin)
			r.Post("/refresh", authHandler.Refresh)

			// 認証必須
			r.Group(func(r chi.Router) {
				r.Use(authenticated)
				r.Use(limit(ratelimit.ActionAPICalls, ratelimit.ScopeUser))

				r.Post("/logout", authHandler.Logout)
				r.Post("/logout-all", authHandler.LogoutAll)
				r.Get("/sessions", authHandler.Sessions)
				r.Post("/mfa/setup", authHandler.SetupMFA)
				r.Post("/mfa/verify", authHandler.VerifyMFA)
			})
		})

		r.Route("/api", func(r chi.Router) {
			r.Use(authenticated)
			r.Use(limit(ratelimit.ActionAPICalls, ratelimit.ScopeUser))

			r.Group(func(r chi.Router) {
				r.Use(limit(ratelimit.ActionContentGeneration, ratelimit.ScopeUser))
				if deps.ContentFilter != nil {
					r.Use(middleware.NewContentFilterMiddleware(deps.ContentFilter, eh, deps.EventSink,
						middleware.ContentFilterConfig{Field: "prompt", Age: deps.AgeResolver}))
				}
				r.Post("/generate", generateHandler.Generate)
			})

			// 管理者専用
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewRequireRoleMiddleware(eh, model.RoleAdmin))

				r.Get("/audit/events", adminHandler.ListAuditEvents)
				r.Get("/audit/alerts", adminHandler.ListAlerts)
				r.Get("/admin/error-stats", adminHandler.ErrorStats)
				r.Delete("/admin/lockouts/{username}", adminHandler.UnlockAccount)
				r.Post("/admin/identities/{id}/disable", adminHandler.DisableIdentity)
				if deps.RateLimiter != nil {
					r.Post("/admin/ip-blocks", adminHandler.BlockIP)
					r.Delete("/admin/ip-blocks/{ip}", adminHandler.UnblockIP)
				}
			})
		})
	})

	return r
}

func passthrough(next http.Handler) http.Handler {
	return next
}
