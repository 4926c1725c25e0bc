package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/entitlement/internal/access"
	"github.com/hitoshi/entitlement/internal/auth"
	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/config"
	"github.com/hitoshi/entitlement/internal/database"
	"github.com/hitoshi/entitlement/internal/entitlement"
	"github.com/hitoshi/entitlement/internal/handler"
	"github.com/hitoshi/entitlement/internal/identity"
	"github.com/hitoshi/entitlement/internal/keylock"
	"github.com/hitoshi/entitlement/internal/metrics"
	"github.com/hitoshi/entitlement/internal/middleware"
	"github.com/hitoshi/entitlement/internal/reconcile"
	"github.com/hitoshi/entitlement/internal/repository"
	"github.com/hitoshi/entitlement/internal/retry"
	"github.com/hitoshi/entitlement/internal/webhook"
	"github.com/hitoshi/entitlement/internal/worker/expiry"
)

// redisKeyPrefix はRedisレコードストアのキー接頭辞。
const redisKeyPrefix = "entitlement:"

// recordStore はレコードストアと期限切れトライアル列挙の両方を満たすストア。
type recordStore interface {
	repository.RecordStore
	repository.ExpiredTrialLister
}

// stores は設定に応じて開いたストア群を保持する。
type stores struct {
	records    recordStore
	accounts   repository.AccountRepository
	identities repository.IdentityRepository
	checkers   []handler.HealthChecker
	closers    []func() error
}

// Close は開いた接続をすべて閉じる。
func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}
}

// openStores はSTORE_BACKENDに応じてストアを開く。
// アカウントはmemory以外ではPostgreSQLに保存する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{}

	if cfg.StoreBackend == config.StoreBackendMemory {
		accounts := repository.NewMemoryAccountRepo()
		st.records = repository.NewMemoryRecordStore()
		st.accounts = accounts
		st.identities = accounts
		slog.Warn("using in-memory stores; data is lost on restart")
		return st, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, db.Close)
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		st.Close()
		return nil, err
	}
	slog.Info("database connection established")

	st.accounts = repository.NewPostgresAccountRepo(db)
	st.identities = repository.NewPostgresIdentityRepo(db)
	st.checkers = append(st.checkers, db)

	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, rdb.Close)
		store := repository.NewRedisRecordStore(rdb, redisKeyPrefix)
		st.records = store
		st.checkers = append(st.checkers, store)
		slog.Info("redis connection established")
	default:
		st.records = repository.NewPostgresRecordStore(db)
	}

	return st, nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// services はストアの上に組み立てたドメインサービス群。
type services struct {
	clock      clock.Clock
	access     *access.Service
	reconciler *reconcile.Reconciler
	metrics    *metrics.Collector
}

// newServices はアクセス問い合わせとReconcilerを同じロックで組み立てる。
// 同一プロセス内の書き込みはアカウント単位で直列化される。
func newServices(cfg *config.Config, st *stores, reg prometheus.Registerer, clk clock.Clock) *services {
	engine := entitlement.NewEngine(entitlement.Policy{TrialDuration: cfg.TrialDuration})
	locks := keylock.New()
	collector := metrics.NewCollector(reg)
	policy := retry.Policy{
		MaxAttempts:    cfg.StoreRetryMaxAttempts,
		InitialBackoff: cfg.StoreRetryInitialBackoff,
		MaxBackoff:     cfg.StoreRetryMaxBackoff,
	}
	logger := slog.Default()

	return &services{
		clock: clk,
		access: access.NewService(st.records, engine, clk, logger,
			access.WithLocks(locks),
			access.WithRetryPolicy(policy),
			access.WithMetrics(collector),
		),
		reconciler: reconcile.NewReconciler(st.records, engine, clk, logger,
			reconcile.WithLocks(locks),
			reconcile.WithRetryPolicy(policy),
			reconcile.WithMetrics(collector),
		),
		metrics: collector,
	}
}

// newRouter はAPIサーバーのルーターを組み立てる。
// verifierがnilの場合はサインインを公開しない。
func newRouter(cfg *config.Config, st *stores, svc *services, verifier identity.Verifier, rl *middleware.RateLimiter) http.Handler {
	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rl,
		Metrics:            svc.metrics,
		TrustProxyHeaders:  cfg.TrustProxyHeaders,
		Clock:              svc.clock,
		AccessService:      svc.access,
		EventApplier:       handler.NewReconcilerAdapter(svc.reconciler),
		Version:            Version,
		HealthCheckers:     st.checkers,
	}

	if cfg.WebhookSigningSecret != "" {
		deps.WebhookVerifier = webhook.NewSignatureVerifier(cfg.WebhookSigningSecret, cfg.WebhookTolerance)
	} else {
		slog.Warn("WEBHOOK_SIGNING_SECRET is not set; webhook signatures are not verified")
	}

	if verifier != nil {
		authService := auth.NewService(verifier, st.accounts, st.identities, svc.access, svc.access, svc.clock)
		deps.AuthService = handler.NewAuthServiceAdapter(authService)
	}

	return handler.NewRouter(deps)
}

// newSweeper は期限切れトライアルのスイーパーを組み立てる。
func newSweeper(cfg *config.Config, st *stores, svc *services) *expiry.Sweeper {
	return expiry.NewSweeper(st.records, svc.access, svc.clock, slog.Default(), expiry.Config{
		Interval:    cfg.ExpirySweepInterval,
		BatchSize:   cfg.ExpirySweepBatch,
		Concurrency: cfg.ExpirySweepConcurrency,
	})
}

// newRateLimiter は設定値からレートリミッターを生成する。
func newRateLimiter(cfg *config.Config) *middleware.RateLimiter {
	return middleware.NewRateLimiter(middleware.NewRateLimiterConfig(
		cfg.RateLimitGeneral, cfg.RateLimitWindow, cfg.RateLimitTrial,
	))
}

var _ handler.HealthChecker = (*sql.DB)(nil)
