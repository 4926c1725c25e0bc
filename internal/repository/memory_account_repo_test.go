package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/entitlement/internal/model"
)

func TestMemoryAccountRepo_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepo()

	acc := &model.Account{ID: "acc-1", Email: "user@example.com", DisplayName: "User", CreatedAt: storeTestTime, UpdatedAt: storeTestTime}
	ident := &model.Identity{ID: "ident-1", AccountID: "acc-1", Provider: "google", ProviderUserID: "g-123", CreatedAt: storeTestTime}

	if err := repo.CreateWithIdentity(ctx, acc, ident); err != nil {
		t.Fatalf("CreateWithIdentity: %v", err)
	}

	got, err := repo.FindByID(ctx, "acc-1")
	if err != nil || got == nil {
		t.Fatalf("FindByID = %v, %v", got, err)
	}
	if got.Email != "user@example.com" {
		t.Errorf("Email = %q", got.Email)
	}

	foundIdent, err := repo.FindByProviderAndProviderUserID(ctx, "google", "g-123")
	if err != nil || foundIdent == nil {
		t.Fatalf("FindByProviderAndProviderUserID = %v, %v", foundIdent, err)
	}
	if foundIdent.AccountID != "acc-1" {
		t.Errorf("AccountID = %q", foundIdent.AccountID)
	}
}

func TestMemoryAccountRepo_NotFoundReturnsNil(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepo()

	acc, err := repo.FindByID(ctx, "nope")
	if err != nil || acc != nil {
		t.Errorf("FindByID = %v, %v; want nil, nil", acc, err)
	}
	ident, err := repo.FindByProviderAndProviderUserID(ctx, "google", "nope")
	if err != nil || ident != nil {
		t.Errorf("FindByProviderAndProviderUserID = %v, %v; want nil, nil", ident, err)
	}
}

func TestMemoryAccountRepo_DuplicateIdentityRejected(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepo()

	ident := &model.Identity{ID: "ident-1", AccountID: "acc-1", Provider: "google", ProviderUserID: "g-123"}
	if err := repo.CreateWithIdentity(ctx, &model.Account{ID: "acc-1"}, ident); err != nil {
		t.Fatalf("first create: %v", err)
	}

	dup := &model.Identity{ID: "ident-2", AccountID: "acc-2", Provider: "google", ProviderUserID: "g-123"}
	if err := repo.CreateWithIdentity(ctx, &model.Account{ID: "acc-2"}, dup); !errors.Is(err, ErrIdentityExists) {
		t.Errorf("err = %v, want ErrIdentityExists", err)
	}
	if acc, _ := repo.FindByID(ctx, "acc-2"); acc != nil {
		t.Error("account must not be created when identity insert fails")
	}
}
