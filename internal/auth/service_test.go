package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/entitlement/internal/access"
	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/entitlement"
	"github.com/hitoshi/entitlement/internal/model"
	"github.com/hitoshi/entitlement/internal/repository"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// --- モック定義 ---

type mockVerifier struct {
	verifyFn func(ctx context.Context, token string) (*model.VerifiedProfile, error)
}

func (m *mockVerifier) Verify(ctx context.Context, token string) (*model.VerifiedProfile, error) {
	return m.verifyFn(ctx, token)
}

type mockRecords struct {
	ensureFn func(ctx context.Context, accountID string) (*model.EntitlementRecord, bool, error)
}

func (m *mockRecords) EnsureRecord(ctx context.Context, accountID string) (*model.EntitlementRecord, bool, error) {
	return m.ensureFn(ctx, accountID)
}

type mockAccounts struct {
	*repository.MemoryAccountRepo
	createFn func(ctx context.Context, account *model.Account, identity *model.Identity) error
}

func (m *mockAccounts) CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error {
	if m.createFn != nil {
		return m.createFn(ctx, account, identity)
	}
	return m.MemoryAccountRepo.CreateWithIdentity(ctx, account, identity)
}

func profileVerifier(sub string) *mockVerifier {
	return &mockVerifier{verifyFn: func(ctx context.Context, token string) (*model.VerifiedProfile, error) {
		if token != "valid-token" {
			return nil, fmt.Errorf("%w: bad signature", model.ErrInvalidToken)
		}
		return &model.VerifiedProfile{
			Provider:       "google",
			ProviderUserID: sub,
			Email:          "user@example.com",
			DisplayName:    "Test User",
		}, nil
	}}
}

type fixture struct {
	svc    *Service
	repo   *repository.MemoryAccountRepo
	store  *repository.MemoryRecordStore
	access *access.Service
	clock  *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryAccountRepo()
	store := repository.NewMemoryRecordStore()
	clk := clock.NewFake(t0)
	accessSvc := access.NewService(store, entitlement.NewEngine(entitlement.Policy{}), clk, nil)
	v := profileVerifier("g-123")
	return &fixture{
		svc:    NewService(v, repo, repo, accessSvc, accessSvc, clk),
		repo:   repo,
		store:  store,
		access: accessSvc,
		clock:  clk,
	}
}

// --- テスト ---

// 初回サインインでアカウントとトライアル未開始のレコードが作成される
func TestSignIn_NewAccount(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.SignIn(context.Background(), "valid-token")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !res.Created {
		t.Error("expected Created=true on first sign-in")
	}
	if res.Account.Email != "user@example.com" || res.Account.DisplayName != "Test User" {
		t.Errorf("account = %+v", res.Account)
	}
	if res.Verdict.HasAccess || res.Verdict.Reason != model.AccessReasonNoAccess {
		t.Errorf("verdict = %+v, want no access (trial not started)", res.Verdict)
	}

	rec, err := f.store.Get(context.Background(), res.Account.ID)
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.Trial.State != model.TrialStateNotStarted {
		t.Errorf("trial state = %q, want not_started", rec.Trial.State)
	}

	ident, _ := f.repo.FindByProviderAndProviderUserID(context.Background(), "google", "g-123")
	if ident == nil || ident.AccountID != res.Account.ID {
		t.Errorf("identity = %+v", ident)
	}
}

// 2回目のサインインは同じアカウントを返し、トライアル状態を保つ
func TestSignIn_ExistingAccount(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.SignIn(context.Background(), "valid-token")
	if err != nil {
		t.Fatalf("first SignIn: %v", err)
	}
	if _, err := f.access.RequestTrialStart(context.Background(), first.Account.ID); err != nil {
		t.Fatalf("RequestTrialStart: %v", err)
	}

	f.clock.Advance(2 * entitlement.Day)
	second, err := f.svc.SignIn(context.Background(), "valid-token")
	if err != nil {
		t.Fatalf("second SignIn: %v", err)
	}
	if second.Created {
		t.Error("expected Created=false on returning sign-in")
	}
	if second.Account.ID != first.Account.ID {
		t.Errorf("account id changed: %s -> %s", first.Account.ID, second.Account.ID)
	}
	want := model.AccessVerdict{HasAccess: true, Reason: model.AccessReasonTrialActive, DaysRemaining: 5}
	if second.Verdict != want {
		t.Errorf("verdict = %+v, want %+v", second.Verdict, want)
	}
}

func TestSignIn_InvalidToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SignIn(context.Background(), "forged")
	if !errors.Is(err, model.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

// 同時サインインで作成が競合した場合は先に作成されたアカウントを使う
func TestSignIn_ConcurrentCreateUsesWinner(t *testing.T) {
	repo := repository.NewMemoryAccountRepo()
	store := repository.NewMemoryRecordStore()
	clk := clock.NewFake(t0)
	accessSvc := access.NewService(store, entitlement.NewEngine(entitlement.Policy{}), clk, nil)

	winner := &model.Account{ID: "winner", Email: "user@example.com"}
	accounts := &mockAccounts{
		MemoryAccountRepo: repo,
		createFn: func(ctx context.Context, account *model.Account, ident *model.Identity) error {
			// 検索と作成の間に別リクエストが作成を終えた状況を再現する
			winnerIdent := *ident
			winnerIdent.ID = "winner-ident"
			winnerIdent.AccountID = winner.ID
			if err := repo.CreateWithIdentity(ctx, winner, &winnerIdent); err != nil {
				return err
			}
			return repo.CreateWithIdentity(ctx, account, ident)
		},
	}
	svc := NewService(profileVerifier("g-race"), accounts, repo, accessSvc, accessSvc, clk)

	res, err := svc.SignIn(context.Background(), "valid-token")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.Account.ID != "winner" || res.Created {
		t.Errorf("account=%s created=%v, want winner/false", res.Account.ID, res.Created)
	}
}

func TestSignIn_RecordInitFailure(t *testing.T) {
	repo := repository.NewMemoryAccountRepo()
	clk := clock.NewFake(t0)
	records := &mockRecords{ensureFn: func(ctx context.Context, accountID string) (*model.EntitlementRecord, bool, error) {
		return nil, false, fmt.Errorf("%w: timeout", model.ErrStoreUnavailable)
	}}
	accessSvc := access.NewService(repository.NewMemoryRecordStore(), entitlement.NewEngine(entitlement.Policy{}), clk, nil)
	svc := NewService(profileVerifier("g-1"), repo, repo, records, accessSvc, clk)

	_, err := svc.SignIn(context.Background(), "valid-token")
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}

	// アカウントは作成済みのため、再サインインで同じアカウントを使う
	ident, _ := repo.FindByProviderAndProviderUserID(context.Background(), "google", "g-1")
	if ident == nil {
		t.Fatal("identity should persist after record init failure")
	}
}

// 同じユーザーの並行サインインは1アカウントに収束する
func TestSignIn_ParallelSameUser(t *testing.T) {
	f := newFixture(t)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.SignIn(context.Background(), "valid-token")
			if err != nil {
				t.Errorf("SignIn: %v", err)
				return
			}
			ids[i] = res.Account.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("sign-ins resolved to different accounts: %v", ids)
		}
	}
}
