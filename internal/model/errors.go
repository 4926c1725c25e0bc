// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, entitlement, webhook, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAlreadyEntitled              = "already_entitled"
	ErrCodeTrialConsumed                = "trial_consumed"
	ErrCodeSubscriptionIdentityMismatch = "subscription_identity_mismatch"
	ErrCodeMalformedEvent               = "malformed_event"
	ErrCodeInvalidSignature             = "invalid_signature"
	ErrCodeAccountNotFound              = "account_not_found"
	ErrCodeNoSubscription               = "no_subscription"
	ErrCodeStoreUnavailable             = "store_unavailable"
	ErrCodeInvalidToken                 = "invalid_token"
	ErrCodeInvalidRequest               = "invalid_request"
	ErrCodeRateLimited                  = "rate_limited"
	ErrCodeInternal                     = "internal_error"
)

// ドメインエラー。errors.Isで判定する。
var (
	// ErrAlreadyEntitled は既にアクセス権がある状態でトライアル開始を要求した場合のエラー。
	ErrAlreadyEntitled = errors.New("account is already entitled")
	// ErrTrialAlreadyConsumed はトライアルを既に使用済みの場合のエラー。
	ErrTrialAlreadyConsumed = errors.New("trial already consumed")
	// ErrSubscriptionIdentityMismatch は別の外部購読IDを参照するイベントのエラー。
	ErrSubscriptionIdentityMismatch = errors.New("subscription identity mismatch")
	// ErrMalformedEvent は必須項目が欠けた、または解釈できないイベントのエラー。
	ErrMalformedEvent = errors.New("malformed subscription event")
	// ErrInvalidSignature はWebhook署名の検証に失敗した場合のエラー。
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrAccountNotFound はアカウントのレコードが存在しない場合のエラー。
	ErrAccountNotFound = errors.New("account not found")
	// ErrNoSubscription はアカウントに購読が存在しない場合のエラー。
	ErrNoSubscription = errors.New("account has no subscription")
	// ErrStoreUnavailable はストアが一時的に利用できない場合のエラー。
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidToken はIDトークンの検証に失敗した場合のエラー。
	ErrInvalidToken = errors.New("invalid identity token")
)

// SubscriptionIdentityMismatchError はアカウントに紐づく購読と異なる外部購読IDのイベントを表す。
type SubscriptionIdentityMismatchError struct {
	AccountID string
	Existing  string
	Incoming  string
}

func (e *SubscriptionIdentityMismatchError) Error() string {
	return fmt.Sprintf("account %s is bound to subscription %s, event references %s",
		e.AccountID, e.Existing, e.Incoming)
}

// Is はErrSubscriptionIdentityMismatchとの比較を可能にする。
func (e *SubscriptionIdentityMismatchError) Is(target error) bool {
	return target == ErrSubscriptionIdentityMismatch
}

// MalformedEventError は不正なイベントの原因フィールドを保持する。
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed subscription event: %s %s", e.Field, e.Reason)
}

// Is はErrMalformedEventとの比較を可能にする。
func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// NewAlreadyEntitledError はトライアル重複開始エラーを生成する。
func NewAlreadyEntitledError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyEntitled,
		Message:  "This account already has access.",
		Category: "entitlement",
		Action:   "No action is needed; premium features are already available.",
	}
}

// NewTrialConsumedError はトライアル使用済みエラーを生成する。
func NewTrialConsumedError() *APIError {
	return &APIError{
		Code:     ErrCodeTrialConsumed,
		Message:  "The free trial for this account has already been used.",
		Category: "entitlement",
		Action:   "Subscribe to continue using premium features.",
	}
}

// NewSubscriptionIdentityMismatchError は購読ID不一致エラーを生成する。
func NewSubscriptionIdentityMismatchError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionIdentityMismatch,
		Message:  err.Error(),
		Category: "webhook",
		Action:   "Inspect the event manually; it will not be applied.",
	}
}

// NewMalformedEventError は不正イベントエラーを生成する。
func NewMalformedEventError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeMalformedEvent,
		Message:  err.Error(),
		Category: "webhook",
		Action:   "Inspect the event payload manually; it will not be retried.",
	}
}

// NewInvalidSignatureError は署名検証失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhook signature verification failed.",
		Category: "webhook",
		Action:   "Check the webhook signing secret configuration.",
	}
}

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("Account not found: %s", accountID),
		Category: "entitlement",
		Action:   "Sign in again to register the account.",
	}
}

// NewNoSubscriptionError は購読未作成エラーを生成する。
func NewNoSubscriptionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoSubscription,
		Message:  "This account has no subscription.",
		Category: "entitlement",
		Action:   "Start a subscription from the pricing page.",
	}
}

// NewStoreUnavailableError はストア一時停止エラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "The entitlement store is temporarily unavailable.",
		Category: "system",
		Action:   "Retry later.",
	}
}

// NewInvalidTokenError はIDトークン検証失敗エラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "The identity token could not be verified.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewInvalidRequestError はリクエストボディ解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "The request body could not be parsed.",
		Category: "validation",
		Action:   "Send a valid JSON body.",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Wait for the Retry-After interval and retry.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はクライアントに返さない。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Retry later.",
	}
}
