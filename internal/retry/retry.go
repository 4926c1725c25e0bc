// Package retry はストアアクセスの一時的な障害に対する有界な指数バックオフ再試行を提供する。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

const (
	// DefaultMaxAttempts は試行回数のデフォルト値（初回を含む）。
	DefaultMaxAttempts = 5
	// DefaultInitialBackoff は初回再試行までの遅延のデフォルト値。
	DefaultInitialBackoff = 50 * time.Millisecond
	// DefaultMaxBackoff は遅延の上限のデフォルト値。
	DefaultMaxBackoff = 2 * time.Second
)

// Policy は再試行ポリシー。
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy はデフォルトの再試行ポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// normalized は0以下の値をデフォルト値で補ったポリシーを返す。
func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回はInitialBackoff、2倍ずつ増加し、MaxBackoffで頭打ちになる。
func (p Policy) CalculateBackoff(consecutiveErrors int) time.Duration {
	p = p.normalized()
	delay := p.InitialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// IsRetryable はmodel.ErrStoreUnavailableをラップしたエラーかを判定する。
func IsRetryable(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable)
}

// Sleeper はバックオフ待機を抽象化する。テストで差し替える。
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext はdだけ待機する。ctxが先に終了した場合はctx.Err()を返す。
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnRetry は再試行の直前に呼ばれる。attemptは失敗した試行番号（1始まり）。
type OnRetry func(attempt int, backoff time.Duration, err error)

// Do はfnを実行し、再試行可能なエラーの間はバックオフしながらMaxAttemptsまで繰り返す。
// 再試行不可能なエラーは即座に返す。試行を使い切った場合は最後のエラーを
// model.ErrStoreUnavailableとして判定可能な形で返す。
func Do(ctx context.Context, p Policy, sleep Sleeper, onRetry OnRetry, fn func() error) error {
	p = p.normalized()
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		backoff := p.CalculateBackoff(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, backoff, lastErr)
		}
		if err := sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%w: retry aborted: %v", model.ErrStoreUnavailable, err)
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}
