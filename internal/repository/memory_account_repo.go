package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/entitlement/internal/model"
)

// MemoryAccountRepo はプロセス内に保存するアカウント・identityリポジトリ。
// STORE_BACKEND=memoryの構成とテストで使用する。
type MemoryAccountRepo struct {
	mu         sync.RWMutex
	accounts   map[string]model.Account
	identities map[string]model.Identity // key: provider + "\x00" + provider_user_id
}

// NewMemoryAccountRepo はMemoryAccountRepoを生成する。
func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{
		accounts:   make(map[string]model.Account),
		identities: make(map[string]model.Identity),
	}
}

func identityKey(provider, providerUserID string) string {
	return provider + "\x00" + providerUserID
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *MemoryAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	return &acc, nil
}

// CreateWithIdentity はアカウントとidentityをまとめて作成する。
// 同じ(provider, provider_user_id)が既に存在する場合はErrIdentityExistsを返す。
func (r *MemoryAccountRepo) CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(identity.Provider, identity.ProviderUserID)
	if _, exists := r.identities[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrIdentityExists, identity.Provider, identity.ProviderUserID)
	}
	if _, exists := r.accounts[account.ID]; exists {
		return fmt.Errorf("account already exists: %s", account.ID)
	}

	r.accounts[account.ID] = *account
	r.identities[key] = *identity
	return nil
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *MemoryAccountRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ident, ok := r.identities[identityKey(provider, providerUserID)]
	if !ok {
		return nil, nil
	}
	return &ident, nil
}

// compile-time interface check
var (
	_ AccountRepository  = (*MemoryAccountRepo)(nil)
	_ IdentityRepository = (*MemoryAccountRepo)(nil)
)
