package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CrashLedger/internal/event"
	"CrashLedger/internal/ingestion"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/observability"
	"CrashLedger/internal/outcome"
	"CrashLedger/internal/query"
	"CrashLedger/internal/server"
	"CrashLedger/internal/store"
	"CrashLedger/internal/subscription"
	"CrashLedger/internal/txn"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type rounds struct{}

func (rounds) State() event.RoundState    { return event.RoundState{State: "WAITING", SeedHash: "abc"} }
func (rounds) History() []decimal.Decimal { return []decimal.Decimal{decimal.NewFromInt(2)} }

func newHandler(t *testing.T) http.Handler {
	t.Helper()
	s := store.NewMemoryStore()
	l := ledger.New(s)
	health := observability.NewHealthChecker()
	health.SetReady(true)
	coord := txn.NewCoordinator(s, zerolog.Nop(), nil)
	fees := ledger.FeeSchedule{{ledger.BucketBonus, ledger.BucketSpendable}: decimal.NewFromInt(5)}
	subs := subscription.NewService(l, coord, nil,
		[]subscription.Plan{{Name: "vip", Price: decimal.NewFromInt(30), Duration: time.Hour}},
		"subscription_reserve", zerolog.Nop(), nil)

	srv := server.NewGRPCServer(":0", ":0", &server.ServerDeps{
		QueryService:  query.NewQueryService(l, rounds{}, nil),
		Admin:         ingestion.NewAdminIngest(l, coord, fees),
		Subscriptions: subs,
		HealthChecker: health,
		Metrics:       observability.NewMetricsWith(prometheus.NewRegistry()),
		StartTime:     time.Now(),
	})
	h, err := srv.Handler()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

// =============================================================================
// Routes
// =============================================================================

func TestRoutes_DepositThenRead(t *testing.T) {
	h := newHandler(t)

	code, body := do(t, h, "POST", "/v1/admin/deposits", `{"account":"alice","amount":"100","reference":"r1"}`)
	if code != http.StatusOK || body["balance_after"] != "100" {
		t.Fatalf("deposit: %d %v", code, body)
	}
	// Same reference: applied once.
	do(t, h, "POST", "/v1/admin/deposits", `{"account":"alice","amount":"100","reference":"r1"}`)

	code, body = do(t, h, "GET", "/v1/accounts/alice/balances", "")
	if code != http.StatusOK || body["spendable"] != "100" {
		t.Errorf("balances: %d %v", code, body)
	}

	code, body = do(t, h, "GET", "/v1/accounts/alice/entries?limit=10", "")
	if code != http.StatusOK {
		t.Fatalf("entries: %d", code)
	}
	if entries, _ := body["entries"].([]any); len(entries) != 1 {
		t.Errorf("entries = %v", body["entries"])
	}

	code, body = do(t, h, "POST", "/v1/accounts/alice/subscriptions", `{"plan":"vip"}`)
	if code != http.StatusOK || body["plan"] != "vip" || body["mode"] != "demoted" {
		t.Errorf("subscribe: %d %v", code, body)
	}
	_, body = do(t, h, "GET", "/v1/accounts/alice/balances", "")
	if body["spendable"] != "70" {
		t.Errorf("spendable after purchase = %v, want 70", body["spendable"])
	}

	code, body = do(t, h, "GET", "/v1/admin/integrity", "")
	if code != http.StatusOK || body["is_healthy"] != true {
		t.Errorf("integrity: %d %v", code, body)
	}
}

func TestRoutes_TransferWithholdsFee(t *testing.T) {
	h := newHandler(t)
	do(t, h, "POST", "/v1/admin/deposits", `{"account":"carol","bucket":"bonus","amount":"40","reference":"b1"}`)

	code, body := do(t, h, "POST", "/v1/accounts/carol/transfers", `{"from":"bonus","to":"spendable","amount":"40","reference":"x1"}`)
	if code != http.StatusOK || body["fee"] != "2" || body["credited"] != "38" {
		t.Fatalf("transfer: %d %v", code, body)
	}
	// Same reference: applied once.
	do(t, h, "POST", "/v1/accounts/carol/transfers", `{"from":"bonus","to":"spendable","amount":"40","reference":"x1"}`)

	_, body = do(t, h, "GET", "/v1/accounts/carol/balances", "")
	if body["spendable"] != "38" || body["bonus"] != "0" {
		t.Errorf("balances = %v, want spendable 38 bonus 0", body)
	}

	code, body = do(t, h, "POST", "/v1/accounts/carol/transfers", `{"from":"spendable","to":"spendable","amount":"1"}`)
	if code != http.StatusBadRequest || body["code"] != "INVALID_AMOUNT" {
		t.Errorf("same bucket: %d %v", code, body)
	}
	code, _ = do(t, h, "POST", "/v1/accounts/carol/transfers", `{"from":"spendable","to":"bonus","amount":"500"}`)
	if code != http.StatusBadRequest {
		t.Errorf("overdraw: %d", code)
	}
}

func TestRoutes_Rounds(t *testing.T) {
	h := newHandler(t)

	code, body := do(t, h, "GET", "/v1/rounds/current", "")
	if code != http.StatusOK || body["state"] != "WAITING" || body["seed_hash"] != "abc" {
		t.Errorf("current: %d %v", code, body)
	}
	if _, leaked := body["crash_point"]; leaked {
		t.Error("crash point present while waiting")
	}

	code, body = do(t, h, "GET", "/v1/rounds/history", "")
	if rs, _ := body["rounds"].([]any); code != http.StatusOK || len(rs) != 1 {
		t.Errorf("history: %d %v", code, body)
	}
}

func TestRoutes_VerifyFairness(t *testing.T) {
	h := newHandler(t)
	seeds := outcome.Seeds{ServerSeed: "revealed", ClientSeed: "c", Nonce: 3}
	payload := `{"server_seed":"revealed","client_seed":"c","nonce":3,"seed_hash":"` + outcome.HashSeed("revealed") + `"}`

	code, body := do(t, h, "POST", "/v1/fairness/verify", payload)
	if code != http.StatusOK || body["hash_matches"] != true {
		t.Fatalf("verify: %d %v", code, body)
	}
	if body["crash_point"] != outcome.CrashPoint(seeds).String() {
		t.Errorf("crash_point = %v, want %s", body["crash_point"], outcome.CrashPoint(seeds))
	}

	code, body = do(t, h, "POST", "/v1/fairness/verify", `{}`)
	if code != http.StatusBadRequest || body["code"] != "INVALID_AMOUNT" {
		t.Errorf("empty seed: %d %v", code, body)
	}
}

func TestRoutes_ErrorMapping(t *testing.T) {
	h := newHandler(t)

	code, body := do(t, h, "POST", "/v1/admin/deposits", `{"account":"bob","amount":"-5"}`)
	if code != http.StatusBadRequest || body["code"] != "INVALID_AMOUNT" {
		t.Errorf("negative deposit: %d %v", code, body)
	}
	code, body = do(t, h, "POST", "/v1/accounts/bob/subscriptions", `{"plan":"vip"}`)
	if code != http.StatusBadRequest || body["code"] != "INSUFFICIENT_FUNDS" {
		t.Errorf("unfunded purchase: %d %v", code, body)
	}
	code, _ = do(t, h, "POST", "/v1/admin/deposits", `{"account":"bob","amount":"5","bucket":"vault"}`)
	if code != http.StatusBadRequest {
		t.Errorf("unknown bucket: %d", code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newHandler(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
}
