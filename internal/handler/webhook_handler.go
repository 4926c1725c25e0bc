package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/entitlement/internal/model"
	"github.com/hitoshi/entitlement/internal/webhook"
)

// maxWebhookBodyBytes はWebhookボディの上限サイズ。
const maxWebhookBodyBytes = 1 << 20

// EventApplier はWebhookハンドラーが必要とするイベント適用インターフェース。
type EventApplier interface {
	// ApplyEvent はイベントを適用し、レコードが変更された場合にtrueを返す。
	// 重複・追い越されたイベントはfalseでエラーなし。
	ApplyEvent(ctx context.Context, ev model.SubscriptionEvent) (bool, error)
}

// SignatureVerifier はWebhook署名の検証インターフェース。
type SignatureVerifier interface {
	Verify(payload []byte, header string) error
}

// WebhookHandler は決済プロバイダーからのイベントを受け付けるHTTPハンドラー。
type WebhookHandler struct {
	applier  EventApplier
	verifier SignatureVerifier
}

// NewWebhookHandler はWebhookHandlerを生成する。verifierがnilの場合は署名検証を行わない。
func NewWebhookHandler(applier EventApplier, verifier SignatureVerifier) *WebhookHandler {
	return &WebhookHandler{
		applier:  applier,
		verifier: verifier,
	}
}

// eventResponse はイベント受付のAPIレスポンス。
type eventResponse struct {
	Applied bool `json:"applied"`
}

// ReceiveEvent はイベントの署名を検証してReconcilerに渡す。
// 処理が永続化された時点で200を返す（重複配信の場合も200）。
// POST /entitlement/events
func (h *WebhookHandler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		handleServiceError(w, r, "", &model.MalformedEventError{Field: "body", Reason: "could not be read"})
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
			slog.Warn("webhook signature rejected", slog.String("error", err.Error()))
			handleServiceError(w, r, "", err)
			return
		}
	}

	ev, err := webhook.Decode(body)
	if err != nil {
		handleServiceError(w, r, "", err)
		return
	}

	applied, err := h.applier.ApplyEvent(r.Context(), ev)
	if err != nil {
		handleServiceError(w, r, ev.AccountID, err)
		return
	}

	writeJSON(w, http.StatusOK, eventResponse{Applied: applied})
}
