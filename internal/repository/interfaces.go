// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

var (
	// ErrRecordNotFound はエンタイトルメントレコードが存在しない場合のエラー。
	ErrRecordNotFound = errors.New("entitlement record not found")
	// ErrVersionConflict は期待バージョンと保存済みバージョンが一致しない場合のエラー。
	ErrVersionConflict = errors.New("entitlement record version conflict")
	// ErrIdentityExists は同じ(provider, provider_user_id)のidentityが既に存在する場合のエラー。
	ErrIdentityExists = errors.New("identity already exists")
)

// RecordStore はアカウントごとのエンタイトルメントレコードの永続化インターフェース。
// キー単位のread-after-write一貫性を持つこと。
// 一時的な障害はmodel.ErrStoreUnavailableをラップして返す。
type RecordStore interface {
	// Get は指定アカウントのレコードを取得する。存在しない場合はErrRecordNotFoundを返す。
	// 返されるレコードは呼び出し側が自由に変更してよいコピー。
	Get(ctx context.Context, accountID string) (*model.EntitlementRecord, error)

	// Put はexpectedVersionが保存済みバージョンと一致する場合のみレコードを保存する。
	// expectedVersion=0は新規作成を意味し、既に存在する場合はErrVersionConflictを返す。
	// 成功時はrec.Versionを新しいバージョンに更新する。
	Put(ctx context.Context, rec *model.EntitlementRecord, expectedVersion int64) error
}

// ExpiredTrialLister は期限切れのまま未遷移のトライアルを列挙できるストアが実装する。
type ExpiredTrialLister interface {
	// ListExpiredTrials はtrial=activeかつends_at <= nowのアカウントIDを終了時刻順に最大limit件返す。
	ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// HealthChecker はストアの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}
