package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

// PostgresRecordStore はPostgreSQLを使用したRecordStore。
// versionカラムによる比較更新で楽観的排他制御を行う。
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore はPostgresRecordStoreを生成する。
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

const recordColumns = `account_id, trial_state, trial_started_at, trial_ends_at,
	subscription_state, plan_id, external_subscription_id,
	current_period_start, current_period_end,
	last_applied_event_seq, version, created_at, updated_at`

// Get は指定アカウントのレコードを取得する。存在しない場合はErrRecordNotFoundを返す。
func (s *PostgresRecordStore) Get(ctx context.Context, accountID string) (*model.EntitlementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE account_id = $1`,
		accountID,
	)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement record: %w", classifyPostgresError(err))
	}
	return rec, nil
}

// Put はexpectedVersionを条件にレコードをINSERTまたはUPDATEする。
func (s *PostgresRecordStore) Put(ctx context.Context, rec *model.EntitlementRecord, expectedVersion int64) error {
	seq, err := json.Marshal(nonNilSeq(rec.LastAppliedEventSeq))
	if err != nil {
		return fmt.Errorf("failed to encode last_applied_event_seq: %w", err)
	}

	sub := subscriptionColumns(rec.Subscription)

	var result sql.Result
	if expectedVersion == 0 {
		result, err = s.db.ExecContext(ctx,
			`INSERT INTO entitlement_records (`+recordColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (account_id) DO NOTHING`,
			rec.AccountID, string(rec.Trial.State), nullTime(rec.Trial.StartedAt), nullTime(rec.Trial.EndsAt),
			sub.state, sub.planID, sub.externalID, sub.periodStart, sub.periodEnd,
			string(seq), int64(1), rec.CreatedAt, rec.UpdatedAt,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE entitlement_records SET
				trial_state = $2, trial_started_at = $3, trial_ends_at = $4,
				subscription_state = $5, plan_id = $6, external_subscription_id = $7,
				current_period_start = $8, current_period_end = $9,
				last_applied_event_seq = $10, version = version + 1, updated_at = $11
			 WHERE account_id = $1 AND version = $12`,
			rec.AccountID, string(rec.Trial.State), nullTime(rec.Trial.StartedAt), nullTime(rec.Trial.EndsAt),
			sub.state, sub.planID, sub.externalID, sub.periodStart, sub.periodEnd,
			string(seq), rec.UpdatedAt, expectedVersion,
		)
	}
	if err != nil {
		if hasPostgresCode(err, pgCodeUniqueViolation) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to put entitlement record: %w", classifyPostgresError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", classifyPostgresError(err))
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	rec.Version = expectedVersion + 1
	return nil
}

// ListExpiredTrials はtrial=activeかつtrial_ends_at <= nowのアカウントIDを返す。
func (s *PostgresRecordStore) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id FROM entitlement_records
		 WHERE trial_state = 'active' AND trial_ends_at <= $1
		 ORDER BY trial_ends_at, account_id
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trials: %w", classifyPostgresError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired trials: %w", classifyPostgresError(err))
	}
	return ids, nil
}

// PingContext はデータベースへの疎通を確認する。
func (s *PostgresRecordStore) PingContext(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.EntitlementRecord, error) {
	var (
		rec                        model.EntitlementRecord
		trialState                 string
		trialStartedAt, trialEnds  sql.NullTime
		subState, planID, extSubID sql.NullString
		periodStart, periodEnd     sql.NullTime
		seq                        []byte
	)

	err := row.Scan(
		&rec.AccountID, &trialState, &trialStartedAt, &trialEnds,
		&subState, &planID, &extSubID, &periodStart, &periodEnd,
		&seq, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Trial = model.Trial{
		State: model.TrialState(trialState),
	}
	if trialStartedAt.Valid {
		rec.Trial.StartedAt = trialStartedAt.Time.UTC()
	}
	if trialEnds.Valid {
		rec.Trial.EndsAt = trialEnds.Time.UTC()
	}

	if subState.Valid {
		rec.Subscription = &model.Subscription{
			State:                  model.SubscriptionState(subState.String),
			PlanID:                 planID.String,
			ExternalSubscriptionID: extSubID.String,
		}
		if periodStart.Valid {
			rec.Subscription.CurrentPeriodStart = periodStart.Time.UTC()
		}
		if periodEnd.Valid {
			rec.Subscription.CurrentPeriodEnd = periodEnd.Time.UTC()
		}
	}

	rec.LastAppliedEventSeq = map[string]int64{}
	if len(seq) > 0 {
		if err := json.Unmarshal(seq, &rec.LastAppliedEventSeq); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to decode last_applied_event_seq for %s", rec.AccountID), err)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	return &rec, nil
}

type subscriptionRow struct {
	state, planID, externalID interface{}
	periodStart, periodEnd    interface{}
}

// subscriptionColumns は購読がnilの場合に全カラムをNULLにする。
func subscriptionColumns(sub *model.Subscription) subscriptionRow {
	if sub == nil {
		return subscriptionRow{}
	}
	return subscriptionRow{
		state:       string(sub.State),
		planID:      sub.PlanID,
		externalID:  sub.ExternalSubscriptionID,
		periodStart: nullTime(sub.CurrentPeriodStart),
		periodEnd:   nullTime(sub.CurrentPeriodEnd),
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nonNilSeq(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

// compile-time interface check
var (
	_ RecordStore        = (*PostgresRecordStore)(nil)
	_ ExpiredTrialLister = (*PostgresRecordStore)(nil)
	_ HealthChecker      = (*PostgresRecordStore)(nil)
)
