// Package reconcile は購読ライフサイクルイベントをエンタイトルメントレコードに適用する。
//
// 同一アカウントへのイベントはプロセス内のキー単位ロックで直列化し、
// 複数プロセス間ではストアのバージョン比較更新で直列化する。
// ストアの一時障害は有界な指数バックオフで再試行し、使い切った場合は
// シーケンスを更新せずにmodel.ErrStoreUnavailableを返す。
// 配信元の再送がそのまま再試行になる。
package reconcile

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

// Result はイベント適用の結果。
// Appliedがfalseの場合は適用済みまたは追い越されたイベントで、Recordは変更前のレコード。
type Result struct {
	Applied bool
	Record  *model.EntitlementRecord
}

// Reconciler はイベントの検証・直列化・適用・永続化を行う。
type Reconciler struct {
	store   repository.RecordStore
	engine  *entitlement.Engine
	clock   clock.Clock
	locks   *keylock.KeyedMutex
	policy  retry.Policy
	sleep   retry.Sleeper
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// Option はReconcilerの任意設定。
type Option func(*Reconciler)

// WithRetryPolicy はストア再試行ポリシーを設定する。
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithSleeper はバックオフ待機関数を差し替える。
func WithSleeper(s retry.Sleeper) Option {
	return func(r *Reconciler) { r.sleep = s }
}

// WithMetrics はメトリクスコレクタを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(r *Reconciler) { r.metrics = metrics.OrNop(m) }
}

// WithLocks はキー単位ロックを共有する。アクセス照会サービスと同じものを渡すこと。
func WithLocks(l *keylock.KeyedMutex) Option {
	return func(r *Reconciler) { r.locks = l }
}

// NewReconciler はReconcilerを生成する。loggerがnilの場合はslog.Default()を使用する。
func NewReconciler(store repository.RecordStore, engine *entitlement.Engine, clk clock.Clock, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
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
		opt(r)
	}
	return r
}

// Apply はイベントを対象アカウントのレコードに適用して永続化する。
//
// 不正なイベントは*model.MalformedEventError、別の外部購読IDを参照するイベントは
// *model.SubscriptionIdentityMismatchErrorを返し、どちらも再試行しない。
// 適用済みのイベントはApplied=falseで成功を返す。
// 対象アカウントのレコードが無い場合はトライアル未開始のレコードを作成して適用する。
func (r *Reconciler) Apply(ctx context.Context, ev model.SubscriptionEvent) (Result, error) {
	start := time.Now()
	defer func() { r.metrics.RecordEventLatency(time.Since(start)) }()

	log := r.logger.With(
		slog.String("account_id", ev.AccountID),
		slog.String("subscription_id", ev.ExternalSubscriptionID),
		slog.Int64("sequence", ev.Sequence),
		slog.String("event_type", string(ev.Type)),
	)

	if err := entitlement.ValidateEvent(ev); err != nil {
		r.metrics.RecordEvent(metrics.OutcomeRejected)
		log.Warn("subscription event rejected", slog.String("error", err.Error()))
		return Result{}, err
	}

	unlock := r.locks.Lock(ev.AccountID)
	defer unlock()

	// ambiguousPut は直前のputが一時エラー後の再試行で競合になったことを示す。
	// 最初の書き込みがコミット済みだった可能性がある。
	ambiguousPut := false
	for {
		rec, version, err := r.load(ctx, ev.AccountID)
		if err != nil {
			r.metrics.RecordEvent(metrics.OutcomeFailed)
			log.Error("failed to load entitlement record", slog.String("error", err.Error()))
			return Result{}, err
		}

		next, applied, err := r.engine.ApplySubscriptionEvent(rec, ev, r.clock.Now())
		if err != nil {
			r.metrics.RecordEvent(metrics.OutcomeRejected)
			log.Warn("subscription event rejected", slog.String("error", err.Error()))
			return Result{}, err
		}
		if !applied && ambiguousPut && rec.LastAppliedEventSeq[ev.ExternalSubscriptionID] == ev.Sequence {
			r.metrics.RecordEvent(metrics.OutcomeApplied)
			log.Info("subscription event applied (confirmed after retry)",
				slog.Int64("version", rec.Version),
			)
			return Result{Applied: true, Record: rec}, nil
		}
		if !applied {
			r.metrics.RecordEvent(metrics.OutcomeDuplicate)
			log.Info("subscription event already applied",
				slog.Int64("last_applied_sequence", rec.LastAppliedEventSeq[ev.ExternalSubscriptionID]),
			)
			return Result{Applied: false, Record: rec}, nil
		}

		attempts, err := r.put(ctx, next, version)
		if errors.Is(err, repository.ErrVersionConflict) {
			ambiguousPut = attempts > 1
			// 他プロセスが先に更新した。最新を読み直して再適用する
			r.metrics.RecordVersionConflict("reconcile")
			log.Debug("version conflict, reloading record", slog.Int64("expected_version", version))
			if ctxErr := ctx.Err(); ctxErr != nil {
				r.metrics.RecordEvent(metrics.OutcomeFailed)
				return Result{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, ctxErr)
			}
			continue
		}
		if err != nil {
			r.metrics.RecordEvent(metrics.OutcomeFailed)
			log.Error("failed to persist entitlement record", slog.String("error", err.Error()))
			return Result{}, err
		}

		r.metrics.RecordEvent(metrics.OutcomeApplied)
		state := ""
		if next.Subscription != nil {
			state = string(next.Subscription.State)
		}
		log.Info("subscription event applied",
			slog.String("subscription_state", state),
			slog.Int64("version", next.Version),
		)
		return Result{Applied: true, Record: next}, nil
	}
}

// load はレコードと期待バージョンを返す。存在しない場合は新規レコードとバージョン0を返す。
func (r *Reconciler) load(ctx context.Context, accountID string) (*model.EntitlementRecord, int64, error) {
	var rec *model.EntitlementRecord
	err := retry.Do(ctx, r.policy, r.sleep, r.onRetry("get"), func() error {
		var err error
		rec, err = r.store.Get(ctx, accountID)
		return err
	})
	if errors.Is(err, repository.ErrRecordNotFound) {
		return model.NewEntitlementRecord(accountID, r.clock.Now().UTC().Truncate(time.Second)), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return rec, rec.Version, nil
}

// put はレコードを書き込み、ストアへの試行回数を返す。
func (r *Reconciler) put(ctx context.Context, rec *model.EntitlementRecord, expectedVersion int64) (int, error) {
	attempts := 0
	err := retry.Do(ctx, r.policy, r.sleep, r.onRetry("put"), func() error {
		attempts++
		return r.store.Put(ctx, rec, expectedVersion)
	})
	return attempts, err
}

func (r *Reconciler) onRetry(operation string) retry.OnRetry {
	return func(attempt int, backoff time.Duration, err error) {
		r.metrics.RecordStoreRetry(operation)
		r.logger.Warn("store unavailable, retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
	}
}
