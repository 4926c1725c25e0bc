package handler

import (
	"context"

	"github.com/hitoshi/entitlement/internal/auth"
	"github.com/hitoshi/entitlement/internal/model"
	"github.com/hitoshi/entitlement/internal/reconcile"
)

// ReconcilerAdapter は reconcile.Reconciler を EventApplier に適合させるアダプタ。
type ReconcilerAdapter struct {
	reconciler *reconcile.Reconciler
}

// NewReconcilerAdapter はReconcilerAdapterを生成する。
func NewReconcilerAdapter(r *reconcile.Reconciler) *ReconcilerAdapter {
	return &ReconcilerAdapter{reconciler: r}
}

// ApplyEvent はイベントを適用し、適用されたかどうかを返す。
func (a *ReconcilerAdapter) ApplyEvent(ctx context.Context, ev model.SubscriptionEvent) (bool, error) {
	res, err := a.reconciler.Apply(ctx, ev)
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}

// AuthServiceAdapter は auth.Service を AuthServiceInterface に適合させるアダプタ。
type AuthServiceAdapter struct {
	svc *auth.Service
}

// NewAuthServiceAdapter はAuthServiceAdapterを生成する。
func NewAuthServiceAdapter(svc *auth.Service) *AuthServiceAdapter {
	return &AuthServiceAdapter{svc: svc}
}

// SignIn はサインイン結果をhandlerレスポンス型で返す。
func (a *AuthServiceAdapter) SignIn(ctx context.Context, rawIDToken string) (*signInResponse, error) {
	res, err := a.svc.SignIn(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	return &signInResponse{
		AccountID:   res.Account.ID,
		Email:       res.Account.Email,
		DisplayName: res.Account.DisplayName,
		Created:     res.Created,
		Entitlement: toAccessVerdictResponse(res.Verdict),
	}, nil
}

// --- compile-time interface checks ---

var _ EventApplier = (*ReconcilerAdapter)(nil)
var _ AuthServiceInterface = (*AuthServiceAdapter)(nil)
