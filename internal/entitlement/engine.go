// Package entitlement はアクセス判定とトライアル・購読の状態遷移を行う純粋なロジックを提供する。
// 入力レコードは変更せず、遷移が必要な場合はコピーを返す。
// 時刻はすべて引数nowで受け取る。
package entitlement

import (
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

// Day は残り日数計算の単位。
const Day = 24 * time.Hour

// DefaultTrialDuration はトライアル期間のデフォルト値（7日）。
const DefaultTrialDuration = 7 * Day

// Policy はエンジンのポリシー定数。
type Policy struct {
	TrialDuration time.Duration
}

// Engine はエンタイトルメントの判定と状態遷移を行う。
type Engine struct {
	policy Policy
}

// NewEngine はEngineを生成する。TrialDurationが0以下の場合は7日を使用する。
func NewEngine(policy Policy) *Engine {
	if policy.TrialDuration <= 0 {
		policy.TrialDuration = DefaultTrialDuration
	}
	return &Engine{policy: policy}
}

// TrialDuration は適用中のトライアル期間を返す。
func (e *Engine) TrialDuration() time.Duration {
	return e.policy.TrialDuration
}

// ComputeAccess はnow時点のアクセス判定を返す。
// トライアルがActiveかつnow >= EndsAtの場合は、Expiredに遷移したレコードのコピーと
// changed=trueを返す。呼び出し側はこのレコードを永続化しなければならない。
// 遷移がない場合は入力レコードをそのまま返す。
func (e *Engine) ComputeAccess(rec *model.EntitlementRecord, now time.Time) (model.AccessVerdict, *model.EntitlementRecord, bool) {
	out := rec
	changed := false

	if rec.Trial.State == model.TrialStateActive && !now.Before(rec.Trial.EndsAt) {
		out = rec.Clone()
		out.Trial.State = model.TrialStateExpired
		out.UpdatedAt = now.UTC().Truncate(time.Second)
		changed = true
	}

	return verdictFor(out, now), out, changed
}

// StartTrial はトライアルを開始したレコードのコピーを返す。
// 既にアクセス権がある場合はErrAlreadyEntitled、
// トライアルが未開始でない場合はErrTrialAlreadyConsumedを返す。
func (e *Engine) StartTrial(rec *model.EntitlementRecord, now time.Time) (*model.EntitlementRecord, error) {
	verdict, _, _ := e.ComputeAccess(rec, now)
	if verdict.HasAccess {
		return nil, model.ErrAlreadyEntitled
	}
	if rec.Trial.State != model.TrialStateNotStarted {
		return nil, model.ErrTrialAlreadyConsumed
	}

	// 保存時の精度差でEndsAtが変化しないよう秒単位に揃える
	start := now.UTC().Truncate(time.Second)

	out := rec.Clone()
	out.Trial = model.Trial{
		State:     model.TrialStateActive,
		StartedAt: start,
		EndsAt:    start.Add(e.policy.TrialDuration),
	}
	out.UpdatedAt = start
	return out, nil
}

// verdictFor はレコードとnowからアクセス判定を組み立てる。
// 購読が有効期間内であれば購読を、次にトライアルを優先する。
func verdictFor(rec *model.EntitlementRecord, now time.Time) model.AccessVerdict {
	if sub := rec.Subscription; sub != nil &&
		sub.State == model.SubscriptionStateActive && now.Before(sub.CurrentPeriodEnd) {
		return model.AccessVerdict{
			HasAccess:     true,
			Reason:        model.AccessReasonSubscriptionActive,
			DaysRemaining: DaysRemaining(sub.CurrentPeriodEnd, now),
		}
	}

	if rec.Trial.State == model.TrialStateActive && now.Before(rec.Trial.EndsAt) {
		return model.AccessVerdict{
			HasAccess:     true,
			Reason:        model.AccessReasonTrialActive,
			DaysRemaining: DaysRemaining(rec.Trial.EndsAt, now),
		}
	}

	// 購読を一度でも持ったアカウントはトライアルではなく購読の失効として扱う
	if rec.Subscription == nil && rec.Trial.State == model.TrialStateExpired {
		return model.AccessVerdict{Reason: model.AccessReasonTrialExpired}
	}
	return model.AccessVerdict{Reason: model.AccessReasonNoAccess}
}

// DaysRemaining はnowからendまでの残り日数を切り上げで返す。0未満にはならない。
// 0.1日残っている場合は1を返す。
func DaysRemaining(end, now time.Time) int {
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / Day)
	if remaining%Day != 0 {
		days++
	}
	return days
}
