package handler

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ssogate/internal/metrics"
	"github.com/hitoshi/ssogate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Verifier          middleware.AccessTokenVerifier
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	// TrustedProxiesからの接続に限り転送ヘッダーのクライアントIPを採用する。空なら常に接続元IP
	TrustedProxies    []*net.IPNet
	Logger            *slog.Logger

	// メトリクス
	Metrics         metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// LMS連携
	SSOAuth     SSOAuthService
	Minter      SSOMinter
	LearnWorlds LearnWorldsAPI
	Redirects   RedirectResolver

	// SAML。nilの場合は/api/saml/*を登録しない
	SAMLBridge SAMLBridge

	// ユーザー
	UserService UserServiceInterface

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → RealIP(信頼済みプロキシのみ) → Logging → Metrics → SecurityHeaders → CORS
//
// 認証が必要なルートには Auth → RateLimit(General) を、
// 認証情報を受け付けるルートには RateLimit(Login) を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(metrics.NewHTTPMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig, collector)
	ssoHandler := NewSSOHandler(deps.SSOAuth, deps.Verifier, deps.Minter, deps.LearnWorlds, deps.Redirects, collector)
	userHandler := NewUserHandler(deps.UserService)

	loginLimit := deps.RateLimiter.LoginMiddleware()
	requireAuth := middleware.NewAuthMiddleware(deps.Verifier)

	// --- 運用 ---
	if deps.DB != nil {
		r.Get("/health", NewHealthHandler(deps.DB))
	}
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 認証不要のルート ---
	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(loginLimit)
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/forgot-password", authHandler.ForgotPassword)
			r.Post("/validate-reset-token", authHandler.ValidateResetToken)
			r.Post("/reset-password", authHandler.ResetPassword)
			r.Get("/google/login", authHandler.GoogleLogin)
			r.Get("/google/callback", authHandler.GoogleCallback)
		})
		r.Post("/logout", authHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Get("/session-check", authHandler.SessionCheck)
			r.Post("/logout-all", authHandler.LogoutAll)
		})
	})

	r.Route("/api/sso", func(r chi.Router) {
		r.With(loginLimit).Get("/lms", ssoHandler.RedirectToLMS)
		r.With(loginLimit).Post("/lms", ssoHandler.LoginToLMS)
		r.With(requireAuth, deps.RateLimiter.GeneralMiddleware()).Post("/learnworlds", ssoHandler.LearnWorldsSSO)
	})

	if deps.SAMLBridge != nil {
		samlHandler := NewSAMLHandler(deps.SAMLBridge, collector)
		r.Route("/api/saml", func(r chi.Router) {
			r.With(loginLimit).Post("/acs", samlHandler.ACS)
			r.Get("/metadata", samlHandler.Metadata)
		})
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/user", func(r chi.Router) {
			r.Get("/profile", userHandler.GetProfile)
			r.Put("/profile", userHandler.UpdateProfile)
			r.Post("/change-password", authHandler.ChangePassword)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/send-welcome-email", userHandler.SendWelcomeEmail)
			r.Route("/users", func(r chi.Router) {
				r.Get("/", userHandler.ListUsers)
				r.Post("/", userHandler.CreateUser)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", userHandler.GetUser)
					r.Patch("/", userHandler.UpdateUser)
					r.Delete("/", userHandler.DeleteUser)
					r.Post("/deactivate", userHandler.DeactivateUser)
					r.Get("/login-logs", userHandler.LoginLogs)
				})
			})
		})
	})

	return r
}
