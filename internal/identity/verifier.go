// Package identity は外部IdPが発行したIDトークンの検証を提供する。
// 検証済みプロフィールはコアでは再検証せずに信頼する。
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/hitoshi/entitlement/internal/model"
)

const (
	// ProviderGoogle はGoogleのプロバイダー名。identitiesテーブルのproviderに保存する。
	ProviderGoogle = "google"

	googleIssuer  = "https://accounts.google.com"
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// Verifier はIDトークンを検証してプロフィールを返すインターフェース。
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*model.VerifiedProfile, error)
}

// idTokenClaims はIDトークンから取り出すクレーム。
type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

// OIDCVerifier はgo-oidcのIDTokenVerifierで署名・発行者・audience・有効期限を検証する。
type OIDCVerifier struct {
	provider string
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier は任意のIDTokenVerifierからOIDCVerifierを生成する。
func NewOIDCVerifier(provider string, verifier *oidc.IDTokenVerifier) *OIDCVerifier {
	return &OIDCVerifier{provider: provider, verifier: verifier}
}

// NewGoogleVerifier はGoogleのIDトークン検証器を生成する。
// 公開鍵は初回検証時にJWKSエンドポイントから取得し、キャッシュする。
func NewGoogleVerifier(ctx context.Context, clientID string) *OIDCVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, googleJWKSURL)
	return NewOIDCVerifier(ProviderGoogle, oidc.NewVerifier(googleIssuer, keySet, &oidc.Config{
		ClientID: clientID,
	}))
}

// Verify はIDトークンを検証する。検証に失敗した場合はmodel.ErrInvalidTokenをラップして返す。
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (*model.VerifiedProfile, error) {
	rawIDToken = strings.TrimSpace(rawIDToken)
	if rawIDToken == "" {
		return nil, fmt.Errorf("%w: token is empty", model.ErrInvalidToken)
	}

	token, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
	}

	var claims idTokenClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to decode claims: %v", model.ErrInvalidToken, err)
	}
	if token.Subject == "" {
		return nil, fmt.Errorf("%w: sub claim is empty", model.ErrInvalidToken)
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return nil, fmt.Errorf("%w: email is not verified", model.ErrInvalidToken)
	}

	return &model.VerifiedProfile{
		Provider:       v.provider,
		ProviderUserID: token.Subject,
		Email:          claims.Email,
		DisplayName:    claims.Name,
	}, nil
}

// compile-time interface check
var _ Verifier = (*OIDCVerifier)(nil)
