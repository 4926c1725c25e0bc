package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/entitlement/internal/middleware"
	"github.com/hitoshi/entitlement/internal/model"
)

// storeRetryAfter はストア到達不能時にクライアントへ返す再試行待ち時間。
const storeRetryAfter = 5 * time.Second

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// accountIDはaccount_not_foundのメッセージに使う。
func handleServiceError(w http.ResponseWriter, r *http.Request, accountID string, err error) {
	statusCode, apiErr := mapServiceError(accountID, err)
	if apiErr == nil {
		// ドメインエラー以外は内部サーバーエラーとして扱い、詳細はログのみに残す
		slog.Error("internal server error",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if statusCode == http.StatusServiceUnavailable {
		slog.Warn("store unavailable",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
		middleware.SetRetryAfter(w, storeRetryAfter)
	}
	writeAPIErrorResponse(w, statusCode, apiErr)
}

// mapServiceError はドメインエラーをHTTPステータスコードとAPIErrorに変換する。
// 対応するドメインエラーが無い場合はapiErrがnilになる。
func mapServiceError(accountID string, err error) (int, *model.APIError) {
	switch {
	case errors.Is(err, model.ErrAlreadyEntitled):
		return http.StatusConflict, model.NewAlreadyEntitledError()
	case errors.Is(err, model.ErrTrialAlreadyConsumed):
		return http.StatusConflict, model.NewTrialConsumedError()
	case errors.Is(err, model.ErrSubscriptionIdentityMismatch):
		return http.StatusUnprocessableEntity, model.NewSubscriptionIdentityMismatchError(err)
	case errors.Is(err, model.ErrMalformedEvent):
		return http.StatusBadRequest, model.NewMalformedEventError(err)
	case errors.Is(err, model.ErrInvalidSignature):
		return http.StatusBadRequest, model.NewInvalidSignatureError()
	case errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound, model.NewAccountNotFoundError(accountID)
	case errors.Is(err, model.ErrNoSubscription):
		return http.StatusNotFound, model.NewNoSubscriptionError()
	case errors.Is(err, model.ErrInvalidToken):
		return http.StatusUnauthorized, model.NewInvalidTokenError()
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, model.NewStoreUnavailableError()
	default:
		return http.StatusInternalServerError, nil
	}
}
