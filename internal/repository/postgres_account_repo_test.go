package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/hitoshi/entitlement/internal/model"
)

// PostgresAccountRepoはAccountRepositoryインターフェースを満たすことを検証
func TestPostgresAccountRepo_ImplementsInterface(t *testing.T) {
	var _ AccountRepository = (*PostgresAccountRepo)(nil)
}

// PostgresIdentityRepoはIdentityRepositoryインターフェースを満たすことを検証
func TestPostgresIdentityRepo_ImplementsInterface(t *testing.T) {
	var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
}

func newTestAccount() (*model.Account, *model.Identity) {
	accountID := uuid.New().String()
	acc := &model.Account{
		ID:          accountID,
		Email:       "user@example.com",
		DisplayName: "Test User",
		CreatedAt:   storeTestTime,
		UpdatedAt:   storeTestTime,
	}
	ident := &model.Identity{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Provider:       "google",
		ProviderUserID: "google-" + accountID,
		CreatedAt:      storeTestTime,
	}
	return acc, ident
}

func TestPostgresAccountRepo_CreateAndFind(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	accounts := NewPostgresAccountRepo(db)
	identities := NewPostgresIdentityRepo(db)

	acc, ident := newTestAccount()
	if err := accounts.CreateWithIdentity(ctx, acc, ident); err != nil {
		t.Fatalf("CreateWithIdentity: %v", err)
	}

	got, err := accounts.FindByID(ctx, acc.ID)
	if err != nil || got == nil {
		t.Fatalf("FindByID = %v, %v", got, err)
	}
	if got.Email != acc.Email || got.DisplayName != acc.DisplayName {
		t.Errorf("account = %+v", got)
	}

	foundIdent, err := identities.FindByProviderAndProviderUserID(ctx, ident.Provider, ident.ProviderUserID)
	if err != nil || foundIdent == nil {
		t.Fatalf("FindByProviderAndProviderUserID = %v, %v", foundIdent, err)
	}
	if foundIdent.AccountID != acc.ID {
		t.Errorf("AccountID = %q, want %q", foundIdent.AccountID, acc.ID)
	}
}

func TestPostgresAccountRepo_NotFoundReturnsNil(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	acc, err := NewPostgresAccountRepo(db).FindByID(ctx, uuid.New().String())
	if err != nil || acc != nil {
		t.Errorf("FindByID = %v, %v; want nil, nil", acc, err)
	}
	ident, err := NewPostgresIdentityRepo(db).FindByProviderAndProviderUserID(ctx, "google", "missing")
	if err != nil || ident != nil {
		t.Errorf("FindByProviderAndProviderUserID = %v, %v; want nil, nil", ident, err)
	}
}

// 同じidentityの2回目の作成はErrIdentityExistsで、アカウントも残らない
func TestPostgresAccountRepo_DuplicateIdentity(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	accounts := NewPostgresAccountRepo(db)

	acc, ident := newTestAccount()
	if err := accounts.CreateWithIdentity(ctx, acc, ident); err != nil {
		t.Fatalf("first create: %v", err)
	}

	acc2, ident2 := newTestAccount()
	ident2.ProviderUserID = ident.ProviderUserID
	err := accounts.CreateWithIdentity(ctx, acc2, ident2)
	if !errors.Is(err, ErrIdentityExists) {
		t.Fatalf("err = %v, want ErrIdentityExists", err)
	}

	if got, _ := accounts.FindByID(ctx, acc2.ID); got != nil {
		t.Error("account must be rolled back when identity insert fails")
	}
}
