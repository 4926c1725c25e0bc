package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/entitlement/internal/model"
)

const identityColumns = `id, account_id, provider, provider_user_id, created_at`

// execer は*sql.DBと*sql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByProviderAndProviderUserID はprovider+provider_user_idの一意キーでidentityを検索する。
// 見つからない場合はnil, nilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity %s/%s: %w", provider, providerUserID, classifyPostgresError(err))
	}
	return identity, nil
}

// insertIdentity はidentityを1件挿入する。一意制約違反はErrIdentityExistsに変換する。
func insertIdentity(ctx context.Context, ex execer, identity *model.Identity) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.AccountID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if hasPostgresCode(err, pgCodeUniqueViolation) {
		return fmt.Errorf("%w: %s/%s", ErrIdentityExists, identity.Provider, identity.ProviderUserID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", classifyPostgresError(err))
	}
	return nil
}

func scanIdentity(row rowScanner) (*model.Identity, error) {
	var identity model.Identity
	if err := row.Scan(&identity.ID, &identity.AccountID, &identity.Provider, &identity.ProviderUserID, &identity.CreatedAt); err != nil {
		return nil, err
	}
	return &identity, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
