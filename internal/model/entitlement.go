// Package model はドメインモデルを定義する。
package model

import "time"

// TrialState はトライアルのライフサイクル状態を表す。
type TrialState string

const (
	// TrialStateNotStarted はトライアル未開始の状態。
	TrialStateNotStarted TrialState = "not_started"
	// TrialStateActive はトライアル実施中の状態。
	TrialStateActive TrialState = "active"
	// TrialStateExpired はトライアル期間が終了した状態。Activeへは戻らない。
	TrialStateExpired TrialState = "expired"
)

// SubscriptionState は定期購読の状態を表す。
type SubscriptionState string

const (
	SubscriptionStateNone     SubscriptionState = "none"
	SubscriptionStateActive   SubscriptionState = "active"
	SubscriptionStatePastDue  SubscriptionState = "past_due"
	SubscriptionStateCanceled SubscriptionState = "canceled"
)

// Trial はアカウントごとに1回だけ付与されるトライアルを表す。
// EndsAtは開始時に確定し、以後変更しない。
type Trial struct {
	State     TrialState
	StartedAt time.Time
	EndsAt    time.Time
}

// Subscription は外部決済プロバイダーで課金される定期購読を表す。
type Subscription struct {
	State                  SubscriptionState
	PlanID                 string
	ExternalSubscriptionID string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
}

// EntitlementRecord はアカウントごとのトライアル・購読状態を保持する。
// Subscriptionは最初の購読イベント適用まではnilで、一度設定されたら削除しない。
// LastAppliedEventSeqは外部購読IDごとに適用済みの最大配信シーケンスを保持する。
// Versionは楽観的排他制御用で、ストアが更新のたびに加算する。
type EntitlementRecord struct {
	AccountID           string
	Trial               Trial
	Subscription        *Subscription
	LastAppliedEventSeq map[string]int64
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewEntitlementRecord はトライアル未開始の新規レコードを生成する。
func NewEntitlementRecord(accountID string, now time.Time) *EntitlementRecord {
	return &EntitlementRecord{
		AccountID:           accountID,
		Trial:               Trial{State: TrialStateNotStarted},
		LastAppliedEventSeq: map[string]int64{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Clone はレコードのディープコピーを返す。
func (r *EntitlementRecord) Clone() *EntitlementRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Subscription != nil {
		sub := *r.Subscription
		c.Subscription = &sub
	}
	c.LastAppliedEventSeq = make(map[string]int64, len(r.LastAppliedEventSeq))
	for k, v := range r.LastAppliedEventSeq {
		c.LastAppliedEventSeq[k] = v
	}
	return &c
}

// AccessReason はアクセス判定の理由を表す。
type AccessReason string

const (
	AccessReasonTrialActive        AccessReason = "trial_active"
	AccessReasonSubscriptionActive AccessReason = "subscription_active"
	AccessReasonTrialExpired       AccessReason = "trial_expired"
	AccessReasonNoAccess           AccessReason = "no_access"
)

// AccessVerdict はある時点でのアクセス判定結果。保存せず、問い合わせのたびに再計算する。
type AccessVerdict struct {
	HasAccess     bool
	Reason        AccessReason
	DaysRemaining int
}
