package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/entitlement/internal/clock"
	"github.com/hitoshi/entitlement/internal/config"
	"github.com/hitoshi/entitlement/internal/entitlement"
	"github.com/hitoshi/entitlement/internal/model"
	"github.com/hitoshi/entitlement/internal/webhook"
)

var wiringNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("WEBHOOK_SIGNING_SECRET", "whsec_test")
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	return cfg
}

type wiredApp struct {
	server *httptest.Server
	stores *stores
	svc    *services
	clock  *clock.Fake
}

func newWiredApp(t *testing.T, cfg *config.Config) *wiredApp {
	t.Helper()
	st, err := openStores(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	t.Cleanup(st.Close)

	clk := clock.NewFake(wiringNow)
	svc := newServices(cfg, st, prometheus.NewRegistry(), clk)
	rl := newRateLimiter(cfg)
	t.Cleanup(rl.Stop)

	srv := httptest.NewServer(newRouter(cfg, st, svc, nil, rl))
	t.Cleanup(srv.Close)
	return &wiredApp{server: srv, stores: st, svc: svc, clock: clk}
}

func (a *wiredApp) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOpenStores_Memory(t *testing.T) {
	st, err := openStores(context.Background(), &config.Config{StoreBackend: config.StoreBackendMemory})
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer st.Close()

	if st.records == nil || st.accounts == nil || st.identities == nil {
		t.Errorf("stores not initialized: %+v", st)
	}
	if len(st.checkers) != 0 {
		t.Errorf("memory backend should have no health checkers, got %d", len(st.checkers))
	}
}

func TestOpenStores_InvalidRedisURL(t *testing.T) {
	_, err := openRedis(context.Background(), "not a url")
	if err == nil {
		t.Fatal("openRedis should reject an invalid URL")
	}
}

// 組み立てたルーターでトライアル開始からサブスクリプション反映まで通る
func TestWiring_MemoryBackend_EndToEnd(t *testing.T) {
	cfg := memoryConfig(t)
	a := newWiredApp(t, cfg)

	resp := a.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	if _, _, err := a.svc.access.EnsureRecord(context.Background(), "acc_1"); err != nil {
		t.Fatalf("EnsureRecord: %v", err)
	}
	resp = a.do(t, http.MethodPost, "/entitlement/acc_1/trial", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trial status = %d", resp.StatusCode)
	}

	body := `{"type":"created","subscription_id":"sub_1","account_id":"acc_1","status":"active",` +
		`"plan_id":"price_monthly","period_start":1740819600,"period_end":1743498000,"sequence":1}`

	// 署名なしは拒否される
	resp = a.do(t, http.MethodPost, "/entitlement/events", body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned event status = %d, want 400", resp.StatusCode)
	}

	header := http.Header{}
	header.Set(webhook.SignatureHeader, webhook.SignatureHeaderValue("whsec_test", time.Now(), []byte(body)))
	resp = a.do(t, http.MethodPost, "/entitlement/events", body, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed event status = %d, want 200", resp.StatusCode)
	}

	resp = a.do(t, http.MethodGet, "/entitlement/acc_1", "", nil)
	var verdict struct {
		HasAccess bool   `json:"has_access"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verdict.HasAccess || verdict.Reason != string(model.AccessReasonSubscriptionActive) {
		t.Errorf("verdict = %+v, want subscription_active", verdict)
	}
}

// サインインはIDトークン検証器がない場合は公開しない
func TestWiring_SignInDisabledWithoutVerifier(t *testing.T) {
	a := newWiredApp(t, memoryConfig(t))

	resp := a.do(t, http.MethodPost, "/auth/google", `{"id_token":"x"}`, nil)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", resp.StatusCode)
	}
}

// インメモリのスイーパーは同じストアの期限切れトライアルを失効させる
func TestWiring_SweeperSharesStores(t *testing.T) {
	cfg := memoryConfig(t)
	a := newWiredApp(t, cfg)
	ctx := context.Background()

	if _, _, err := a.svc.access.EnsureRecord(ctx, "acc_1"); err != nil {
		t.Fatalf("EnsureRecord: %v", err)
	}
	if _, err := a.svc.access.RequestTrialStart(ctx, "acc_1"); err != nil {
		t.Fatalf("RequestTrialStart: %v", err)
	}
	a.clock.Advance(cfg.TrialDuration + entitlement.Day)

	res, err := newSweeper(cfg, a.stores, a.svc).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("Expired = %d, want 1", res.Expired)
	}

	rec, err := a.stores.records.Get(ctx, "acc_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Trial.State != model.TrialStateExpired {
		t.Errorf("trial state = %q, want expired", rec.Trial.State)
	}
}
