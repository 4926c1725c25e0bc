// Package expiry は期限切れトライアルのバックグラウンド書き戻しを提供する。
// アクセス判定は問い合わせ時に期限切れを検出して書き戻すため、
// このワーカーは問い合わせの無いアカウントのレコードを最新に保つためだけに動く。
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/repository"
)

const (
	// DefaultInterval はスイープ間隔のデフォルト値。
	DefaultInterval = 15 * time.Minute
	// DefaultBatchSize は1回のスイープで処理するアカウント数のデフォルト値。
	DefaultBatchSize = 500
	// DefaultConcurrency は並列書き戻し数のデフォルト値。
	DefaultConcurrency = 8
)

// TrialExpirer は期限切れトライアルを書き戻すインターフェース。
type TrialExpirer interface {
	// ExpireTrial は期限切れトライアルをExpiredとして永続化し、書き戻した場合にtrueを返す。
	ExpireTrial(ctx context.Context, accountID string) (bool, error)
}

// Config はスイーパーの設定。
type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// Result は1回のスイープの結果。
type Result struct {
	Listed  int
	Expired int
	Failed  int
}

// Sweeper は期限切れのトライアルを定期的に列挙し、並列で書き戻す。
// semaphoreパターンで最大並列数を制御する。
type Sweeper struct {
	lister  repository.ExpiredTrialLister
	expirer TrialExpirer
	clock   clock.Clock
	logger  *slog.Logger
	config  Config
}

// NewSweeper はSweeperを生成する。0以下の設定値はデフォルト値で補う。
func NewSweeper(lister repository.ExpiredTrialLister, expirer TrialExpirer, clk clock.Clock, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		lister:  lister,
		expirer: expirer,
		clock:   clk,
		logger:  logger,
		config:  cfg,
	}
}

// Start は設定間隔のティッカーでスイープを繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("トライアル期限切れスイーパーを開始しました",
		slog.Duration("interval", s.config.Interval),
		slog.Int("batch_size", s.config.BatchSize),
		slog.Int("concurrency", s.config.Concurrency),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("トライアル期限切れスイーパーを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Sweeper) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は期限切れトライアルを最大BatchSize件列挙し、並列で書き戻す。
// 個別アカウントの失敗は記録のみで、次回のスイープで再度対象になる。
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()

	ids, err := s.lister.ListExpiredTrials(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		return Result{}, err
	}

	if len(ids) == 0 {
		s.logger.Debug("期限切れのトライアルはありません")
		return Result{}, nil
	}

	var expired, failed atomic.Int64

	sem := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(accountID string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			changed, err := s.expirer.ExpireTrial(ctx, accountID)
			if err != nil {
				failed.Add(1)
				s.logger.Error("トライアル期限切れの書き戻しに失敗しました",
					slog.String("account_id", accountID),
					slog.String("error", err.Error()),
				)
				return
			}
			if changed {
				expired.Add(1)
			}
		}(id)
	}

	wg.Wait()

	res := Result{Listed: len(ids), Expired: int(expired.Load()), Failed: int(failed.Load())}
	s.logger.Info("スイープが完了しました",
		slog.Int("listed", res.Listed),
		slog.Int("expired", res.Expired),
		slog.Int("failed", res.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return res, ctx.Err()
}
