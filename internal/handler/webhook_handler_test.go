package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
	"github.com/hitoshi/entitlement/internal/webhook"
)

// mockEventApplier はEventApplierのモック実装。
type mockEventApplier struct {
	applyEventFn func(ctx context.Context, ev model.SubscriptionEvent) (bool, error)
	calls        int
}

func (m *mockEventApplier) ApplyEvent(ctx context.Context, ev model.SubscriptionEvent) (bool, error) {
	m.calls++
	if m.applyEventFn != nil {
		return m.applyEventFn(ctx, ev)
	}
	return true, nil
}

const testEventBody = `{"type":"created","subscription_id":"sub_1","account_id":"acc_1",
 "status":"active","plan_id":"price_monthly",
 "period_start":1700000000,"period_end":1702592000,"sequence":1}`

func postEvent(h *WebhookHandler, body string, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/entitlement/events", strings.NewReader(body))
	if header != "" {
		req.Header.Set(webhook.SignatureHeader, header)
	}
	w := httptest.NewRecorder()
	h.ReceiveEvent(w, req)
	return w
}

func TestWebhookHandler_ReceiveEvent_Applied(t *testing.T) {
	var got model.SubscriptionEvent
	applier := &mockEventApplier{applyEventFn: func(ctx context.Context, ev model.SubscriptionEvent) (bool, error) {
		got = ev
		return true, nil
	}}
	h := NewWebhookHandler(applier, nil)

	w := postEvent(h, testEventBody, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp eventResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Applied {
		t.Error("applied = false, want true")
	}
	if got.AccountID != "acc_1" || got.ExternalSubscriptionID != "sub_1" || got.Sequence != 1 {
		t.Errorf("event = %+v", got)
	}
	if !got.PeriodEnd.Equal(time.Unix(1702592000, 0)) {
		t.Errorf("PeriodEnd = %v", got.PeriodEnd)
	}
}

// 重複配信も200で応答し、appliedはfalse
func TestWebhookHandler_ReceiveEvent_DuplicateIsOK(t *testing.T) {
	applier := &mockEventApplier{applyEventFn: func(ctx context.Context, ev model.SubscriptionEvent) (bool, error) {
		return false, nil
	}}
	w := postEvent(NewWebhookHandler(applier, nil), testEventBody, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"applied":false}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestWebhookHandler_ReceiveEvent_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed", &model.MalformedEventError{Field: "sequence", Reason: "must be positive"}, http.StatusBadRequest, model.ErrCodeMalformedEvent},
		{"identity mismatch", &model.SubscriptionIdentityMismatchError{AccountID: "acc_1", Existing: "sub_0", Incoming: "sub_1"}, http.StatusUnprocessableEntity, model.ErrCodeSubscriptionIdentityMismatch},
		{"store unavailable", fmt.Errorf("giving up after 5 attempts: %w", model.ErrStoreUnavailable), http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &mockEventApplier{applyEventFn: func(ctx context.Context, ev model.SubscriptionEvent) (bool, error) {
				return false, tt.err
			}}
			w := postEvent(NewWebhookHandler(applier, nil), testEventBody, "")

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

func TestWebhookHandler_ReceiveEvent_StoreUnavailableSetsRetryAfter(t *testing.T) {
	applier := &mockEventApplier{applyEventFn: func(ctx context.Context, ev model.SubscriptionEvent) (bool, error) {
		return false, model.ErrStoreUnavailable
	}}
	w := postEvent(NewWebhookHandler(applier, nil), testEventBody, "")

	if w.Header().Get("Retry-After") == "" {
		t.Error("503 response should carry Retry-After")
	}
}

// 解釈できないボディはReconcilerに渡さず400を返す
func TestWebhookHandler_ReceiveEvent_UndecodableBody(t *testing.T) {
	for _, body := range []string{"not json", `{"type":"customer.created"}`} {
		applier := &mockEventApplier{}
		w := postEvent(NewWebhookHandler(applier, nil), body, "")

		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", body, w.Code)
		}
		if applier.calls != 0 {
			t.Errorf("%q: applier called %d times, want 0", body, applier.calls)
		}
	}
}

func TestWebhookHandler_ReceiveEvent_Signature(t *testing.T) {
	const secret = "whsec_test"
	verifier := webhook.NewSignatureVerifier(secret, webhook.DefaultTolerance)
	now := time.Now()

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid", webhook.SignatureHeaderValue(secret, now, []byte(testEventBody)), http.StatusOK},
		{"missing", "", http.StatusBadRequest},
		{"wrong secret", webhook.SignatureHeaderValue("other", now, []byte(testEventBody)), http.StatusBadRequest},
		{"stale timestamp", webhook.SignatureHeaderValue(secret, now.Add(-time.Hour), []byte(testEventBody)), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &mockEventApplier{}
			w := postEvent(NewWebhookHandler(applier, verifier), testEventBody, tt.header)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidSignature {
					t.Errorf("code = %q, want invalid_signature", body["code"])
				}
				if applier.calls != 0 {
					t.Error("forged events must not reach the reconciler")
				}
			}
		})
	}
}
