// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/entitlement"
	"github.com/hitoshi/entitlement/internal/model"
)

// AccessServiceInterface はエンタイトルメントハンドラーが必要とするサービスインターフェース。
type AccessServiceInterface interface {
	// QueryAccess は現在時刻でのアクセス判定を返す。
	QueryAccess(ctx context.Context, accountID string) (model.AccessVerdict, error)
	// RequestTrialStart はトライアルを開始して開始後のトライアルを返す。
	RequestTrialStart(ctx context.Context, accountID string) (model.Trial, error)
	// GetSubscription はアカウントの購読を返す。
	GetSubscription(ctx context.Context, accountID string) (*model.Subscription, error)
}

// EntitlementHandler はアクセス判定・トライアル開始・購読参照のHTTPハンドラー。
type EntitlementHandler struct {
	service AccessServiceInterface
	clock   clock.Clock
}

// NewEntitlementHandler はEntitlementHandlerを生成する。
func NewEntitlementHandler(service AccessServiceInterface, clk clock.Clock) *EntitlementHandler {
	if clk == nil {
		clk = clock.System{}
	}
	return &EntitlementHandler{
		service: service,
		clock:   clk,
	}
}

// accessVerdictResponse はアクセス判定のAPIレスポンス。
type accessVerdictResponse struct {
	HasAccess     bool   `json:"has_access"`
	Reason        string `json:"reason"`
	DaysRemaining int    `json:"days_remaining"`
}

// trialResponse はトライアル開始のAPIレスポンス。
type trialResponse struct {
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	EndsAt        time.Time `json:"ends_at"`
	DaysRemaining int       `json:"days_remaining"`
}

// subscriptionResponse は購読情報のAPIレスポンス。
type subscriptionResponse struct {
	State              string     `json:"state"`
	PlanID             string     `json:"plan_id"`
	SubscriptionID     string     `json:"subscription_id"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

// GetAccess はアカウントの現在のアクセス判定を返す。
// GET /entitlement/{accountID}
func (h *EntitlementHandler) GetAccess(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	verdict, err := h.service.QueryAccess(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, accountID, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccessVerdictResponse(verdict))
}

// StartTrial はトライアルを開始する。
// POST /entitlement/{accountID}/trial
func (h *EntitlementHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	trial, err := h.service.RequestTrialStart(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, accountID, err)
		return
	}

	writeJSON(w, http.StatusOK, trialResponse{
		State:         string(trial.State),
		StartedAt:     trial.StartedAt.UTC(),
		EndsAt:        trial.EndsAt.UTC(),
		DaysRemaining: entitlement.DaysRemaining(trial.EndsAt, h.clock.Now()),
	})
}

// GetSubscription はアカウントの購読情報を返す。
// GET /entitlement/{accountID}/subscription
func (h *EntitlementHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, accountID, err)
		return
	}

	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// accountIDParam はURLパラメータからアカウントIDを取り出す。空の場合は400を書き込む。
func accountIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	if accountID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "accountId is required.",
			Category: "validation",
			Action:   "Specify the account id in the path.",
		})
		return "", false
	}
	return accountID, true
}

func toAccessVerdictResponse(v model.AccessVerdict) accessVerdictResponse {
	return accessVerdictResponse{
		HasAccess:     v.HasAccess,
		Reason:        string(v.Reason),
		DaysRemaining: v.DaysRemaining,
	}
}

func toSubscriptionResponse(sub *model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		State:              string(sub.State),
		PlanID:             sub.PlanID,
		SubscriptionID:     sub.ExternalSubscriptionID,
		CurrentPeriodStart: optionalTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   optionalTime(sub.CurrentPeriodEnd),
	}
}

// optionalTime はゼロ値をnilに変換する。JSONでは項目ごと省略される。
func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
