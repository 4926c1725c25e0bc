package entitlement

import (
	"strings"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

// ValidateEvent はイベントの必須項目と値域を検証する。
// 不正なイベントは*model.MalformedEventErrorを返す。
func ValidateEvent(ev model.SubscriptionEvent) error {
	if strings.TrimSpace(ev.AccountID) == "" {
		return &model.MalformedEventError{Field: "account_id", Reason: "is required"}
	}
	if strings.TrimSpace(ev.ExternalSubscriptionID) == "" {
		return &model.MalformedEventError{Field: "subscription_id", Reason: "is required"}
	}
	switch ev.Type {
	case model.SubscriptionEventCreated, model.SubscriptionEventUpdated, model.SubscriptionEventCanceled:
	default:
		return &model.MalformedEventError{Field: "type", Reason: "is not one of created, updated, canceled"}
	}
	if ev.Sequence <= 0 {
		return &model.MalformedEventError{Field: "sequence", Reason: "must be a positive integer"}
	}
	if ev.Type != model.SubscriptionEventCanceled {
		if ev.PeriodEnd.IsZero() {
			return &model.MalformedEventError{Field: "period_end", Reason: "is required"}
		}
		if _, ok := MapProviderStatus(ev.Status); !ok {
			return &model.MalformedEventError{Field: "status", Reason: "is not a recognised provider status"}
		}
	}
	if !ev.PeriodStart.IsZero() && !ev.PeriodEnd.IsZero() && ev.PeriodEnd.Before(ev.PeriodStart) {
		return &model.MalformedEventError{Field: "period_end", Reason: "precedes period_start"}
	}
	return nil
}

// MapProviderStatus はプロバイダー報告のstatusを購読状態に対応付ける。
// 対応表は閉じており、未知の値はok=falseを返す。
func MapProviderStatus(status string) (model.SubscriptionState, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return model.SubscriptionStateActive, true
	case "past_due":
		return model.SubscriptionStatePastDue, true
	case "canceled", "cancelled", "unpaid", "incomplete_expired", "":
		// 更新されない購読はCanceledとして扱う
		return model.SubscriptionStateCanceled, true
	default:
		return "", false
	}
}

// ApplySubscriptionEvent はイベントをレコードに適用したコピーを返す。
//
// 既に適用済み（シーケンスが保存値以下）のイベントは入力レコードをそのまま返し、
// applied=falseとする。重複配信は想定内のためエラーではない。
// 別の外部購読IDに紐づくアカウントへのイベントは
// *model.SubscriptionIdentityMismatchErrorを返す。
func (e *Engine) ApplySubscriptionEvent(rec *model.EntitlementRecord, ev model.SubscriptionEvent, now time.Time) (*model.EntitlementRecord, bool, error) {
	if err := ValidateEvent(ev); err != nil {
		return nil, false, err
	}

	if last, ok := rec.LastAppliedEventSeq[ev.ExternalSubscriptionID]; ok && ev.Sequence <= last {
		return rec, false, nil
	}

	if rec.Subscription != nil && rec.Subscription.ExternalSubscriptionID != ev.ExternalSubscriptionID {
		return nil, false, &model.SubscriptionIdentityMismatchError{
			AccountID: rec.AccountID,
			Existing:  rec.Subscription.ExternalSubscriptionID,
			Incoming:  ev.ExternalSubscriptionID,
		}
	}

	out := rec.Clone()
	sub := out.Subscription
	if sub == nil {
		// 順序が入れ替わりUpdated/Canceledが先に届いた場合もここで初期化する
		sub = &model.Subscription{
			State:                  model.SubscriptionStateNone,
			ExternalSubscriptionID: ev.ExternalSubscriptionID,
		}
		out.Subscription = sub
	}

	if ev.Type == model.SubscriptionEventCanceled {
		sub.State = model.SubscriptionStateCanceled
	} else {
		state, _ := MapProviderStatus(ev.Status)
		sub.State = state
	}

	if ev.PlanID != "" {
		sub.PlanID = ev.PlanID
	}
	// 期間境界はイベントが正。キャンセルで期間が省略された場合のみ既存値を残す
	if !ev.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = ev.PeriodStart.UTC()
	}
	if !ev.PeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = ev.PeriodEnd.UTC()
	}

	out.LastAppliedEventSeq[ev.ExternalSubscriptionID] = ev.Sequence
	out.UpdatedAt = now.UTC().Truncate(time.Second)
	return out, true, nil
}
