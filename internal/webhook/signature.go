// Package webhook は決済プロバイダーからのWebhookの署名検証とペイロード解釈を提供する。
package webhook

import (
	"fmt"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/hitoshi/entitlement/internal/model"
)

const (
	// SignatureHeader は署名を運ぶHTTPヘッダー名。
	SignatureHeader = "Stripe-Signature"
	// DefaultTolerance は署名タイムスタンプと現在時刻の許容差のデフォルト値。
	DefaultTolerance = 5 * time.Minute
)

// SignatureVerifier はStripe形式（t=<unix>,v1=<hex>）の署名ヘッダーを検証する。
// 検証するのは署名とタイムスタンプのみで、ボディは独自形式のままDecodeで解釈する。
type SignatureVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewSignatureVerifier はSignatureVerifierを生成する。toleranceが0以下の場合は5分を使用する。
func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &SignatureVerifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
	}
}

// Enabled は署名シークレットが設定されているかを返す。
func (v *SignatureVerifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify はペイロードと署名ヘッダーを検証する。
// 失敗した場合はmodel.ErrInvalidSignatureをラップして返す。
func (v *SignatureVerifier) Verify(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", model.ErrInvalidSignature, SignatureHeader)
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	return nil
}

// SignatureHeaderValue はテストや送信側ツール向けに署名ヘッダーの値を組み立てる。
func SignatureHeaderValue(secret string, signedAt time.Time, payload []byte) string {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: signedAt,
	})
	return signed.Header
}
