package webhook

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

// eventPayload はWebhookのJSONボディ。期間はUnix秒。
type eventPayload struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	AccountID      string `json:"account_id"`
	Status         string `json:"status"`
	PlanID         string `json:"plan_id"`
	PeriodStart    int64  `json:"period_start"`
	PeriodEnd      int64  `json:"period_end"`
	Sequence       int64  `json:"sequence"`
}

// eventTypeAliases はプロバイダーのイベント種別名を内部の種別に対応付ける。
var eventTypeAliases = map[string]model.SubscriptionEventType{
	"created":                       model.SubscriptionEventCreated,
	"updated":                       model.SubscriptionEventUpdated,
	"canceled":                      model.SubscriptionEventCanceled,
	"customer.subscription.created": model.SubscriptionEventCreated,
	"customer.subscription.updated": model.SubscriptionEventUpdated,
	"customer.subscription.deleted": model.SubscriptionEventCanceled,
}

// Decode はWebhookボディをSubscriptionEventに変換する。
// JSONとして解釈できない場合や未知のイベント種別は*model.MalformedEventErrorを返す。
// 必須項目の検証はReconcilerが行う。
func Decode(body []byte) (model.SubscriptionEvent, error) {
	var p eventPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return model.SubscriptionEvent{}, &model.MalformedEventError{Field: "body", Reason: "is not a valid JSON object"}
	}

	typ, ok := eventTypeAliases[strings.ToLower(strings.TrimSpace(p.Type))]
	if !ok {
		return model.SubscriptionEvent{}, &model.MalformedEventError{Field: "type", Reason: "is not one of created, updated, canceled"}
	}

	return model.SubscriptionEvent{
		Type:                   typ,
		ExternalSubscriptionID: strings.TrimSpace(p.SubscriptionID),
		AccountID:              strings.TrimSpace(p.AccountID),
		Status:                 strings.TrimSpace(p.Status),
		PlanID:                 strings.TrimSpace(p.PlanID),
		PeriodStart:            unixOrZero(p.PeriodStart),
		PeriodEnd:              unixOrZero(p.PeriodEnd),
		Sequence:               p.Sequence,
	}, nil
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
