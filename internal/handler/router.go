package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/metrics"
	"github.com/hitoshi/entitlement/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Metrics            metrics.MetricsCollector
	// TrustProxyHeaders がtrueの場合、X-Forwarded-For等からクライアントIPを復元する
	TrustProxyHeaders bool

	Clock clock.Clock

	// エンタイトルメント
	AccessService AccessServiceInterface
	EventApplier  EventApplier
	// WebhookVerifier がnilの場合は署名検証を行わない
	WebhookVerifier SignatureVerifier

	// 認証。nilの場合は/auth/googleを公開しない
	AuthService AuthServiceInterface

	// ヘルスチェック
	Version        string
	HealthCheckers []HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → (RealIP) → Logging → Metrics → SecurityHeaders → CORS → RateLimit(General)
//
// Webhookとヘルスチェックはクライアント単位のレート制限の対象外。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(metrics.OrNop(deps.Metrics)))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	rateLimiter := deps.RateLimiter
	if rateLimiter == nil {
		rateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	}

	entHandler := NewEntitlementHandler(deps.AccessService, deps.Clock)
	webhookHandler := NewWebhookHandler(deps.EventApplier, deps.WebhookVerifier)
	healthHandler := NewHealthHandler(deps.Version, deps.Clock, deps.HealthCheckers...)

	r.Get("/health", healthHandler.Health)

	r.Route("/entitlement", func(r chi.Router) {
		// Webhook受信（決済プロバイダーからの配信）
		r.Post("/events", webhookHandler.ReceiveEvent)

		r.Group(func(r chi.Router) {
			r.Use(rateLimiter.GeneralMiddleware())

			r.Get("/{accountID}", entHandler.GetAccess)
			r.Get("/{accountID}/subscription", entHandler.GetSubscription)
			// トライアル開始は専用のレート制限を追加
			r.With(rateLimiter.TrialMiddleware()).Post("/{accountID}/trial", entHandler.StartTrial)
		})
	})

	if deps.AuthService != nil {
		authHandler := NewAuthHandler(deps.AuthService)
		r.With(rateLimiter.GeneralMiddleware()).Post("/auth/google", authHandler.SignInWithGoogle)
	}

	return r
}
