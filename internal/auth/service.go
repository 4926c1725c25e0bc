// Package auth はサインインとアカウント作成を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/identity"
	"github.com/hitoshi/entitlement/internal/model"
	"github.com/hitoshi/entitlement/internal/repository"
)

// RecordInitializer はアカウントのエンタイトルメントレコードを用意する。
type RecordInitializer interface {
	EnsureRecord(ctx context.Context, accountID string) (*model.EntitlementRecord, bool, error)
}

// AccessQuerier はアカウントの現在のアクセス判定を返す。
type AccessQuerier interface {
	QueryAccess(ctx context.Context, accountID string) (model.AccessVerdict, error)
}

// SignInResult はサインインの結果。
type SignInResult struct {
	Account *model.Account
	Verdict model.AccessVerdict
	// Created は今回のサインインでアカウントを作成した場合にtrue
	Created bool
}

// Service はサインインに関するビジネスロジックを提供する。
type Service struct {
	verifier  identity.Verifier
	accounts  repository.AccountRepository
	identRepo repository.IdentityRepository
	records   RecordInitializer
	access    AccessQuerier
	clock     clock.Clock
}

// NewService はServiceを生成する。
func NewService(
	verifier identity.Verifier,
	accounts repository.AccountRepository,
	identRepo repository.IdentityRepository,
	records RecordInitializer,
	access AccessQuerier,
	clk clock.Clock,
) *Service {
	return &Service{
		verifier:  verifier,
		accounts:  accounts,
		identRepo: identRepo,
		records:   records,
		access:    access,
		clock:     clk,
	}
}

// SignIn はIDトークンを検証し、アカウントを特定または作成する。
// 未登録の場合はaccountsとidentitiesを同時に作成し、トライアル未開始のレコードを用意する。
// トライアルは開始しない。
func (s *Service) SignIn(ctx context.Context, rawIDToken string) (*SignInResult, error) {
	// 1. IDトークンを検証
	profile, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}

	// 2. identityから既存アカウントを検索、無ければ作成
	account, created, err := s.findOrCreateAccount(ctx, profile)
	if err != nil {
		return nil, err
	}

	// 3. レコードを用意する。前回のサインインが作成途中で失敗した場合もここで補う
	if _, _, err := s.records.EnsureRecord(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("failed to initialize entitlement record: %w", err)
	}

	// 4. 現在のアクセス判定を付けて返す
	verdict, err := s.access.QueryAccess(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query access: %w", err)
	}

	return &SignInResult{Account: account, Verdict: verdict, Created: created}, nil
}

func (s *Service) findOrCreateAccount(ctx context.Context, profile *model.VerifiedProfile) (*model.Account, bool, error) {
	account, err := s.findByIdentity(ctx, profile)
	if err != nil || account != nil {
		return account, false, err
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	account = &model.Account{
		ID:          uuid.New().String(),
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ident := &model.Identity{
		ID:             uuid.New().String(),
		AccountID:      account.ID,
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
		CreatedAt:      now,
	}

	err = s.accounts.CreateWithIdentity(ctx, account, ident)
	if errors.Is(err, repository.ErrIdentityExists) {
		// 同時サインインで先に作成された
		account, err = s.findByIdentity(ctx, profile)
		if err == nil && account == nil {
			err = fmt.Errorf("identity %s/%s exists without account", profile.Provider, profile.ProviderUserID)
		}
		return account, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account and identity: %w", err)
	}

	slog.Info("new account created",
		slog.String("account_id", account.ID),
		slog.String("provider", profile.Provider),
	)
	return account, true, nil
}

// findByIdentity はidentityに紐づくアカウントを返す。見つからない場合はnilを返す。
func (s *Service) findByIdentity(ctx context.Context, profile *model.VerifiedProfile) (*model.Account, error) {
	ident, err := s.identRepo.FindByProviderAndProviderUserID(ctx, profile.Provider, profile.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if ident == nil {
		return nil, nil
	}

	account, err := s.accounts.FindByID(ctx, ident.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("identity %s/%s references missing account %s", profile.Provider, profile.ProviderUserID, ident.AccountID)
	}

	slog.Info("existing account signed in",
		slog.String("account_id", account.ID),
		slog.String("provider", profile.Provider),
	)
	return account, nil
}
