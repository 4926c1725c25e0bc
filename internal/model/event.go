package model

import "time"

// SubscriptionEventType は購読ライフサイクルイベントの種別。
type SubscriptionEventType string

const (
	SubscriptionEventCreated  SubscriptionEventType = "created"
	SubscriptionEventUpdated  SubscriptionEventType = "updated"
	SubscriptionEventCanceled SubscriptionEventType = "canceled"
)

// SubscriptionEvent は決済プロバイダーから配信される購読ライフサイクルイベント。
// 配信は少なくとも1回（重複あり）で、順序は保証されない。
// Sequenceは購読ごとに単調増加する配信シーケンストークン。
type SubscriptionEvent struct {
	Type                   SubscriptionEventType
	ExternalSubscriptionID string
	AccountID              string
	Status                 string // プロバイダー報告値（active, past_due, canceled ...）
	PlanID                 string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	Sequence               int64
}
