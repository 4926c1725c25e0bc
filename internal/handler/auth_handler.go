package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/entitlement/internal/model"
)

// maxAuthBodyBytes はサインインリクエストボディの上限サイズ。
const maxAuthBodyBytes = 64 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// SignIn はIDトークンを検証し、アカウントと現在のアクセス判定を返す。
	SignIn(ctx context.Context, rawIDToken string) (*signInResponse, error)
}

// AuthHandler はサインインのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	IDToken string `json:"id_token"`
}

// signInResponse はサインインのAPIレスポンス。
type signInResponse struct {
	AccountID   string                `json:"account_id"`
	Email       string                `json:"email"`
	DisplayName string                `json:"display_name"`
	Created     bool                  `json:"created"`
	Entitlement accessVerdictResponse `json:"entitlement"`
}

// SignInWithGoogle はGoogleのIDトークンでサインインする。
// 初回はアカウントとトライアル未開始のレコードを作成する。トライアルは開始しない。
// POST /auth/google
func (h *AuthHandler) SignInWithGoogle(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthBodyBytes)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	if req.IDToken == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "id_token is required.",
			Category: "validation",
			Action:   "Send the ID token issued by Google.",
		})
		return
	}

	resp, err := h.service.SignIn(r.Context(), req.IDToken)
	if err != nil {
		handleServiceError(w, r, "", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
