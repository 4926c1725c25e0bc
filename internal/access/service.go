// Package access はアクセス照会とトライアル開始のサービス層を提供する。
//
// 読み取りでトライアル期限切れを観測した場合は、返却前に遷移後のレコードを永続化する。
// 書き込みはReconcilerと同じキー単位ロックとバージョン比較更新で直列化する。
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/entitlement"
	"github.com/hitoshi/entitlement/internal/keylock"
	"github.com/hitoshi/entitlement/internal/metrics"
	"github.com/hitoshi/entitlement/internal/model"
	"github.com/hitoshi/entitlement/internal/repository"
	"github.com/hitoshi/entitlement/internal/retry"
)

// トライアル開始要求の結果ラベル
const (
	TrialResultStarted         = "started"
	TrialResultAlreadyEntitled = "already_entitled"
	TrialResultConsumed        = "trial_consumed"
	TrialResultNotFound        = "account_not_found"
	TrialResultFailed          = "failed"
)

// 期限切れ書き戻しの発生元ラベル
const (
	SourceQuery   = "query"
	SourceSweeper = "sweeper"
)

// Service はアクセス照会サービス。
type Service struct {
	store   repository.RecordStore
	engine  *entitlement.Engine
	clock   clock.Clock
	locks   *keylock.KeyedMutex
	policy  retry.Policy
	sleep   retry.Sleeper
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithRetryPolicy はストア再試行ポリシーを設定する。
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithSleeper はバックオフ待機関数を差し替える。
func WithSleeper(sl retry.Sleeper) Option {
	return func(s *Service) { s.sleep = sl }
}

// WithMetrics はメトリクスコレクタを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = metrics.OrNop(m) }
}

// WithLocks はキー単位ロックを共有する。
func WithLocks(l *keylock.KeyedMutex) Option {
	return func(s *Service) { s.locks = l }
}

// NewService はServiceを生成する。
func NewService(store repository.RecordStore, engine *entitlement.Engine, clk clock.Clock, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		engine:  engine,
		clock:   clk,
		locks:   keylock.New(),
		policy:  retry.DefaultPolicy(),
		sleep:   retry.SleepContext,
		logger:  logger,
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryAccess は現在時刻でのアクセス判定を返す。
// レコードが無い場合はmodel.ErrAccountNotFoundを返す。
// トライアル期限切れを観測した場合は遷移後のレコードを永続化してから返し、
// 永続化に失敗した場合はmodel.ErrStoreUnavailableを返す。
func (s *Service) QueryAccess(ctx context.Context, accountID string) (model.AccessVerdict, error) {
	verdict, _, err := s.refresh(ctx, accountID, SourceQuery)
	if err != nil {
		return model.AccessVerdict{}, err
	}
	s.metrics.RecordAccessVerdict(string(verdict.Reason))
	return verdict, nil
}

// ExpireTrial は期限切れトライアルの書き戻しだけを行う。
// 遷移を永続化した場合はtrueを返す。期限切れワーカーから呼び出す。
func (s *Service) ExpireTrial(ctx context.Context, accountID string) (bool, error) {
	_, expired, err := s.refresh(ctx, accountID, SourceSweeper)
	return expired, err
}

// refresh はレコードを読み込んでアクセスを判定し、必要なら期限切れを書き戻す。
func (s *Service) refresh(ctx context.Context, accountID, source string) (model.AccessVerdict, bool, error) {
	rec, err := s.load(ctx, accountID)
	if err != nil {
		return model.AccessVerdict{}, false, err
	}

	verdict, _, changed := s.engine.ComputeAccess(rec, s.clock.Now())
	if !changed {
		return verdict, false, nil
	}

	// 書き戻しはロック内で最新を読み直してから行う
	unlock := s.locks.Lock(accountID)
	defer unlock()

	for {
		rec, err := s.load(ctx, accountID)
		if err != nil {
			return model.AccessVerdict{}, false, err
		}

		verdict, next, changed := s.engine.ComputeAccess(rec, s.clock.Now())
		if !changed {
			// 他の書き込みが先に遷移させた
			return verdict, false, nil
		}

		err = s.put(ctx, next, rec.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.metrics.RecordVersionConflict("expire")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.AccessVerdict{}, false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, ctxErr)
			}
			continue
		}
		if err != nil {
			s.logger.Error("failed to persist trial expiry",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			return model.AccessVerdict{}, false, fmt.Errorf("%w: trial expiry write-back: %v", model.ErrStoreUnavailable, err)
		}

		s.metrics.RecordTrialExpired(source)
		s.logger.Info("trial expired",
			slog.String("account_id", accountID),
			slog.String("source", source),
			slog.Time("ends_at", next.Trial.EndsAt),
		)
		return verdict, true, nil
	}
}

// RequestTrialStart はトライアルを開始して永続化し、開始後のトライアルを返す。
// 既にアクセス権がある場合はmodel.ErrAlreadyEntitled、
// 使用済みの場合はmodel.ErrTrialAlreadyConsumedを返す。
func (s *Service) RequestTrialStart(ctx context.Context, accountID string) (model.Trial, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	for {
		rec, err := s.load(ctx, accountID)
		if err != nil {
			s.recordTrialStart(err)
			return model.Trial{}, err
		}

		next, err := s.engine.StartTrial(rec, s.clock.Now())
		if err != nil {
			s.recordTrialStart(err)
			s.logger.Info("trial start rejected",
				slog.String("account_id", accountID),
				slog.String("reason", err.Error()),
			)
			return model.Trial{}, err
		}

		err = s.put(ctx, next, rec.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.metrics.RecordVersionConflict("trial_start")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.Trial{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, ctxErr)
			}
			continue
		}
		if err != nil {
			s.recordTrialStart(err)
			return model.Trial{}, err
		}

		s.recordTrialStart(nil)
		s.logger.Info("trial started",
			slog.String("account_id", accountID),
			slog.Time("ends_at", next.Trial.EndsAt),
		)
		return next.Trial, nil
	}
}

// GetSubscription はアカウントの購読を返す。購読が無い場合はmodel.ErrNoSubscriptionを返す。
func (s *Service) GetSubscription(ctx context.Context, accountID string) (*model.Subscription, error) {
	rec, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.Subscription == nil {
		return nil, model.ErrNoSubscription
	}
	return rec.Subscription, nil
}

// EnsureRecord はトライアル未開始のレコードを作成する。既に存在する場合は既存のレコードを返す。
// 初回サインイン時に呼び出す。トライアルは開始しない。
func (s *Service) EnsureRecord(ctx context.Context, accountID string) (*model.EntitlementRecord, bool, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	rec, err := s.load(ctx, accountID)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, model.ErrAccountNotFound) {
		return nil, false, err
	}

	rec = model.NewEntitlementRecord(accountID, s.clock.Now().UTC().Truncate(time.Second))
	err = s.put(ctx, rec, 0)
	if errors.Is(err, repository.ErrVersionConflict) {
		// 別プロセスが同時に作成した
		existing, err := s.load(ctx, accountID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// load はレコードを読み込む。存在しない場合はmodel.ErrAccountNotFoundを返す。
func (s *Service) load(ctx context.Context, accountID string) (*model.EntitlementRecord, error) {
	var rec *model.EntitlementRecord
	err := retry.Do(ctx, s.policy, s.sleep, s.onRetry("get"), func() error {
		var err error
		rec, err = s.store.Get(ctx, accountID)
		return err
	})
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) put(ctx context.Context, rec *model.EntitlementRecord, expectedVersion int64) error {
	return retry.Do(ctx, s.policy, s.sleep, s.onRetry("put"), func() error {
		return s.store.Put(ctx, rec, expectedVersion)
	})
}

func (s *Service) onRetry(operation string) retry.OnRetry {
	return func(attempt int, backoff time.Duration, err error) {
		s.metrics.RecordStoreRetry(operation)
		s.logger.Warn("store unavailable, retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) recordTrialStart(err error) {
	switch {
	case err == nil:
		s.metrics.RecordTrialStart(TrialResultStarted)
	case errors.Is(err, model.ErrAlreadyEntitled):
		s.metrics.RecordTrialStart(TrialResultAlreadyEntitled)
	case errors.Is(err, model.ErrTrialAlreadyConsumed):
		s.metrics.RecordTrialStart(TrialResultConsumed)
	case errors.Is(err, model.ErrAccountNotFound):
		s.metrics.RecordTrialStart(TrialResultNotFound)
	default:
		s.metrics.RecordTrialStart(TrialResultFailed)
	}
}
