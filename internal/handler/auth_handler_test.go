package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/entitlement/internal/model"
)

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	signInFn func(ctx context.Context, rawIDToken string) (*signInResponse, error)
}

func (m *mockAuthService) SignIn(ctx context.Context, rawIDToken string) (*signInResponse, error) {
	return m.signInFn(ctx, rawIDToken)
}

func postSignIn(h *AuthHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/google", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.SignInWithGoogle(w, req)
	return w
}

func TestAuthHandler_SignIn_Success(t *testing.T) {
	svc := &mockAuthService{signInFn: func(ctx context.Context, rawIDToken string) (*signInResponse, error) {
		if rawIDToken != "token-abc" {
			t.Errorf("token = %q, want token-abc", rawIDToken)
		}
		return &signInResponse{
			AccountID:   "acc-1",
			Email:       "user@example.com",
			DisplayName: "Test User",
			Created:     true,
			Entitlement: accessVerdictResponse{Reason: "no_access"},
		}, nil
	}}

	w := postSignIn(NewAuthHandler(svc), `{"id_token":"token-abc"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["account_id"] != "acc-1" || got["email"] != "user@example.com" {
		t.Errorf("body = %v", got)
	}
	ent, ok := got["entitlement"].(map[string]any)
	if !ok || ent["has_access"] != false || ent["reason"] != "no_access" {
		t.Errorf("entitlement = %v", got["entitlement"])
	}
}

func TestAuthHandler_SignIn_BadRequests(t *testing.T) {
	svc := &mockAuthService{signInFn: func(ctx context.Context, rawIDToken string) (*signInResponse, error) {
		t.Error("service should not be called")
		return nil, nil
	}}

	for _, body := range []string{"", "{", `{"id_token":""}`} {
		w := postSignIn(NewAuthHandler(svc), body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", body, w.Code)
		}
		if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidRequest {
			t.Errorf("%q: code = %q, want invalid_request", body, got)
		}
	}
}

func TestAuthHandler_SignIn_InvalidToken(t *testing.T) {
	svc := &mockAuthService{signInFn: func(ctx context.Context, rawIDToken string) (*signInResponse, error) {
		return nil, fmt.Errorf("%w: token is expired", model.ErrInvalidToken)
	}}

	w := postSignIn(NewAuthHandler(svc), `{"id_token":"expired"}`)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidToken {
		t.Errorf("code = %q, want invalid_token", got)
	}
}
