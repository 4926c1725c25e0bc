package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/entitlement/internal/model"
)

const (
	defaultRedisKeyPrefix = "entitlement:"
	redisRecordKeyPart    = "record:"
	redisTrialIndexKey    = "trial_ends"
)

// RedisRecordStore はRedisを使用したRecordStore。
// レコードはJSONで1キーに保存し、WATCH/MULTIでバージョンを比較して更新する。
// アクティブなトライアルは終了時刻をスコアとするソート済みセットで索引付けする。
type RedisRecordStore struct {
	rdb   *redis.Client
	keyNS string
}

// NewRedisRecordStore はRedisRecordStoreを生成する。keyPrefixが空の場合は"entitlement:"を使用する。
// keyPrefixが":"で終わらない場合は補う。
func NewRedisRecordStore(rdb *redis.Client, keyPrefix string) *RedisRecordStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix += ":"
	}
	return &RedisRecordStore{rdb: rdb, keyNS: keyPrefix}
}

func (s *RedisRecordStore) recordKey(accountID string) string {
	return s.keyNS + redisRecordKeyPart + accountID
}

func (s *RedisRecordStore) trialIndexKey() string {
	return s.keyNS + redisTrialIndexKey
}

// redisRecord はRedisに保存するレコードの形式。
type redisRecord struct {
	AccountID           string             `json:"account_id"`
	TrialState          string             `json:"trial_state"`
	TrialStartedAt      *time.Time         `json:"trial_started_at,omitempty"`
	TrialEndsAt         *time.Time         `json:"trial_ends_at,omitempty"`
	Subscription        *redisSubscription `json:"subscription,omitempty"`
	LastAppliedEventSeq map[string]int64   `json:"last_applied_event_seq"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

type redisSubscription struct {
	State                  string    `json:"state"`
	PlanID                 string    `json:"plan_id"`
	ExternalSubscriptionID string    `json:"external_subscription_id"`
	CurrentPeriodStart     time.Time `json:"current_period_start"`
	CurrentPeriodEnd       time.Time `json:"current_period_end"`
}

// Get は指定アカウントのレコードを取得する。存在しない場合はErrRecordNotFoundを返す。
func (s *RedisRecordStore) Get(ctx context.Context, accountID string) (*model.EntitlementRecord, error) {
	val, err := s.rdb.Get(ctx, s.recordKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement record: %w", classifyRedisError(err))
	}
	return decodeRedisRecord(val)
}

// Put はWATCHでキーを監視し、バージョンが一致する場合のみMULTI/EXECで書き込む。
// 監視中に他のクライアントが更新した場合はErrVersionConflictを返す。
func (s *RedisRecordStore) Put(ctx context.Context, rec *model.EntitlementRecord, expectedVersion int64) error {
	key := s.recordKey(rec.AccountID)
	newVersion := expectedVersion + 1

	stored := rec.Clone()
	stored.Version = newVersion
	data, err := encodeRedisRecord(stored)
	if err != nil {
		return err
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			if expectedVersion != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			existing, err := decodeRedisRecord(current)
			if err != nil {
				return err
			}
			if expectedVersion == 0 || existing.Version != expectedVersion {
				return ErrVersionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if stored.Trial.State == model.TrialStateActive {
				pipe.ZAdd(ctx, s.trialIndexKey(), redis.Z{
					Score:  float64(stored.Trial.EndsAt.Unix()),
					Member: stored.AccountID,
				})
			} else {
				pipe.ZRem(ctx, s.trialIndexKey(), stored.AccountID)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		rec.Version = newVersion
		return nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	default:
		return fmt.Errorf("failed to put entitlement record: %w", classifyRedisError(err))
	}
}

// ListExpiredTrials はトライアル索引から終了時刻がnow以前のアカウントIDを返す。
func (s *RedisRecordStore) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.trialIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trials: %w", classifyRedisError(err))
	}
	return ids, nil
}

// PingContext はRedisへの疎通を確認する。
func (s *RedisRecordStore) PingContext(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

func encodeRedisRecord(rec *model.EntitlementRecord) ([]byte, error) {
	doc := redisRecord{
		AccountID:           rec.AccountID,
		TrialState:          string(rec.Trial.State),
		LastAppliedEventSeq: nonNilSeq(rec.LastAppliedEventSeq),
		Version:             rec.Version,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
	if !rec.Trial.StartedAt.IsZero() {
		t := rec.Trial.StartedAt
		doc.TrialStartedAt = &t
	}
	if !rec.Trial.EndsAt.IsZero() {
		t := rec.Trial.EndsAt
		doc.TrialEndsAt = &t
	}
	if sub := rec.Subscription; sub != nil {
		doc.Subscription = &redisSubscription{
			State:                  string(sub.State),
			PlanID:                 sub.PlanID,
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			CurrentPeriodStart:     sub.CurrentPeriodStart,
			CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entitlement record: %w", err)
	}
	return data, nil
}

func decodeRedisRecord(data []byte) (*model.EntitlementRecord, error) {
	var doc redisRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement record: %w", err)
	}

	rec := &model.EntitlementRecord{
		AccountID:           doc.AccountID,
		Trial:               model.Trial{State: model.TrialState(doc.TrialState)},
		LastAppliedEventSeq: nonNilSeq(doc.LastAppliedEventSeq),
		Version:             doc.Version,
		CreatedAt:           doc.CreatedAt.UTC(),
		UpdatedAt:           doc.UpdatedAt.UTC(),
	}
	if doc.TrialStartedAt != nil {
		rec.Trial.StartedAt = doc.TrialStartedAt.UTC()
	}
	if doc.TrialEndsAt != nil {
		rec.Trial.EndsAt = doc.TrialEndsAt.UTC()
	}
	if sub := doc.Subscription; sub != nil {
		rec.Subscription = &model.Subscription{
			State:                  model.SubscriptionState(sub.State),
			PlanID:                 sub.PlanID,
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			CurrentPeriodStart:     sub.CurrentPeriodStart.UTC(),
			CurrentPeriodEnd:       sub.CurrentPeriodEnd.UTC(),
		}
	}
	return rec, nil
}

// classifyRedisError は接続系の障害をmodel.ErrStoreUnavailableでラップする。
func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return err
}

// compile-time interface check
var (
	_ RecordStore        = (*RedisRecordStore)(nil)
	_ ExpiredTrialLister = (*RedisRecordStore)(nil)
	_ HealthChecker      = (*RedisRecordStore)(nil)
)
