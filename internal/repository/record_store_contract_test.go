package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

var storeTestTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// runRecordStoreContract はRecordStore実装が満たすべき振る舞いを検証する。
// newID は実装ごとに衝突しないアカウントIDを生成する。
func runRecordStoreContract(t *testing.T, store RecordStore, newID func(string) string) {
	t.Helper()
	ctx := context.Background()

	t.Run("存在しないレコードはErrRecordNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, newID("missing"))
		if !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("err = %v, want ErrRecordNotFound", err)
		}
	})

	t.Run("作成と取得", func(t *testing.T) {
		id := newID("create")
		rec := model.NewEntitlementRecord(id, storeTestTime)
		if err := store.Put(ctx, rec, 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if rec.Version != 1 {
			t.Errorf("Version after create = %d, want 1", rec.Version)
		}

		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.AccountID != id || got.Trial.State != model.TrialStateNotStarted || got.Version != 1 {
			t.Errorf("got = %+v", got)
		}
		if got.Subscription != nil {
			t.Errorf("subscription = %+v, want nil", got.Subscription)
		}
	})

	t.Run("二重作成はErrVersionConflict", func(t *testing.T) {
		id := newID("dup")
		if err := store.Put(ctx, model.NewEntitlementRecord(id, storeTestTime), 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
		err := store.Put(ctx, model.NewEntitlementRecord(id, storeTestTime), 0)
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("err = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("全フィールドの往復", func(t *testing.T) {
		id := newID("roundtrip")
		rec := model.NewEntitlementRecord(id, storeTestTime)
		if err := store.Put(ctx, rec, 0); err != nil {
			t.Fatalf("Put: %v", err)
		}

		rec.Trial = model.Trial{
			State:     model.TrialStateExpired,
			StartedAt: storeTestTime,
			EndsAt:    storeTestTime.Add(7 * 24 * time.Hour),
		}
		rec.Subscription = &model.Subscription{
			State:                  model.SubscriptionStatePastDue,
			PlanID:                 "price_monthly",
			ExternalSubscriptionID: "sub_X",
			CurrentPeriodStart:     storeTestTime,
			CurrentPeriodEnd:       storeTestTime.Add(30 * 24 * time.Hour),
		}
		rec.LastAppliedEventSeq["sub_X"] = 7
		rec.UpdatedAt = storeTestTime.Add(time.Hour)
		if err := store.Put(ctx, rec, 1); err != nil {
			t.Fatalf("Put update: %v", err)
		}

		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("Version = %d, want 2", got.Version)
		}
		if got.Trial.State != model.TrialStateExpired ||
			!got.Trial.StartedAt.Equal(rec.Trial.StartedAt) ||
			!got.Trial.EndsAt.Equal(rec.Trial.EndsAt) {
			t.Errorf("trial = %+v, want %+v", got.Trial, rec.Trial)
		}
		sub := got.Subscription
		if sub == nil {
			t.Fatal("subscription lost on round-trip")
		}
		if sub.State != model.SubscriptionStatePastDue || sub.PlanID != "price_monthly" ||
			sub.ExternalSubscriptionID != "sub_X" ||
			!sub.CurrentPeriodStart.Equal(rec.Subscription.CurrentPeriodStart) ||
			!sub.CurrentPeriodEnd.Equal(rec.Subscription.CurrentPeriodEnd) {
			t.Errorf("subscription = %+v", sub)
		}
		if got.LastAppliedEventSeq["sub_X"] != 7 {
			t.Errorf("seq = %v", got.LastAppliedEventSeq)
		}
	})

	t.Run("古いバージョンでの更新はErrVersionConflict", func(t *testing.T) {
		id := newID("stale")
		rec := model.NewEntitlementRecord(id, storeTestTime)
		if err := store.Put(ctx, rec, 0); err != nil {
			t.Fatalf("Put: %v", err)
		}

		a, _ := store.Get(ctx, id)
		b, _ := store.Get(ctx, id)

		a.Trial.State = model.TrialStateActive
		a.Trial.StartedAt = storeTestTime
		a.Trial.EndsAt = storeTestTime.Add(time.Hour)
		if err := store.Put(ctx, a, a.Version); err != nil {
			t.Fatalf("first writer: %v", err)
		}

		b.LastAppliedEventSeq["sub_Y"] = 1
		err := store.Put(ctx, b, b.Version)
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("second writer err = %v, want ErrVersionConflict", err)
		}

		got, _ := store.Get(ctx, id)
		if got.Trial.State != model.TrialStateActive || len(got.LastAppliedEventSeq) != 0 {
			t.Errorf("lost update: %+v", got)
		}
	})

	t.Run("存在しないレコードの更新はErrVersionConflict", func(t *testing.T) {
		rec := model.NewEntitlementRecord(newID("ghost"), storeTestTime)
		if err := store.Put(ctx, rec, 3); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("err = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("取得したレコードの変更はストアに影響しない", func(t *testing.T) {
		id := newID("isolation")
		if err := store.Put(ctx, model.NewEntitlementRecord(id, storeTestTime), 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, _ := store.Get(ctx, id)
		got.LastAppliedEventSeq["sub_Z"] = 99
		got.Trial.State = model.TrialStateExpired

		again, _ := store.Get(ctx, id)
		if again.Trial.State != model.TrialStateNotStarted || len(again.LastAppliedEventSeq) != 0 {
			t.Errorf("store mutated through returned record: %+v", again)
		}
	})

	if lister, ok := store.(ExpiredTrialLister); ok {
		t.Run("期限切れトライアルの列挙", func(t *testing.T) {
			now := storeTestTime.Add(100 * 24 * time.Hour)
			due := newID("due")
			notDue := newID("notdue")
			expired := newID("expired")

			for _, c := range []struct {
				id     string
				state  model.TrialState
				endsAt time.Time
			}{
				{due, model.TrialStateActive, now.Add(-time.Minute)},
				{notDue, model.TrialStateActive, now.Add(time.Hour)},
				{expired, model.TrialStateExpired, now.Add(-time.Hour)},
			} {
				rec := model.NewEntitlementRecord(c.id, storeTestTime)
				rec.Trial = model.Trial{State: c.state, StartedAt: c.endsAt.Add(-7 * 24 * time.Hour), EndsAt: c.endsAt}
				if err := store.Put(ctx, rec, 0); err != nil {
					t.Fatalf("Put %s: %v", c.id, err)
				}
			}

			ids, err := lister.ListExpiredTrials(ctx, now, 1000)
			if err != nil {
				t.Fatalf("ListExpiredTrials: %v", err)
			}
			seen := map[string]bool{}
			for _, id := range ids {
				seen[id] = true
			}
			if !seen[due] {
				t.Errorf("due trial %s not listed: %v", due, ids)
			}
			if seen[notDue] || seen[expired] {
				t.Errorf("unexpected ids listed: %v", ids)
			}
		})
	}
}
