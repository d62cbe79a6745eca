package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselproject/relay/internal/apex"
	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/capital"
	"github.com/vesselproject/relay/internal/config"
	"github.com/vesselproject/relay/internal/dispatch"
	"github.com/vesselproject/relay/internal/gate"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/metrics"
	"github.com/vesselproject/relay/internal/notify"
	"github.com/vesselproject/relay/internal/ratelimit"
	"github.com/vesselproject/relay/internal/registry"
	"github.com/vesselproject/relay/internal/session"
	"github.com/vesselproject/relay/internal/task"
	"github.com/vesselproject/relay/internal/vessel"
)

const (
	relayToken  = "test-relay-token"
	spawnSecret = "test-spawn-secret"
	validMintA  = "So11111111111111111111111111111111111111112"
)

// Prometheus collectors register into the default registry once per
// process, so every test shares this instance.
var testMetrics = metrics.New()

type fixture struct {
	router   *mux.Router
	relay    *Relay
	cfg      *config.Config
	root     string
	upstream *httptest.Server
}

// newFixture builds a full relay against a fake apex upstream that answers
// every call with a successful trade response.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true, "signature": "upstream-sig", "sol_balance": 0.0,
		})
	}))
	t.Cleanup(upstream.Close)

	log, err := audit.Open(filepath.Join(root, "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	store, err := task.Open(filepath.Join(root, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Paths.WorkspaceRoot = root
	cfg.Paths.DataDir = root
	cfg.Paths.ContextsDir = filepath.Join(root, "agent_contexts")
	cfg.Paths.PositionState = filepath.Join(root, "position_state.json")
	cfg.Paths.CatalystState = filepath.Join(root, "catalyst_events.json")
	cfg.Paths.ComplianceLog = filepath.Join(root, "compliance_audit.json")
	cfg.RelayToken = relayToken
	cfg.SpawnSecret = spawnSecret
	cfg.ApexToken = "apex-token"
	cfg.Apex.BaseURL = upstream.URL
	cfg.Runner.ExecutorPath = filepath.Join(root, "no-such-executor")

	apexClient := apex.New(cfg.Apex.BaseURL, cfg.ApexToken)
	pricer := apex.NewPricer(cfg.Apex.PricerURL)
	verifier := gate.NewVerifier(cfg.SpawnSecret, root, log)
	limiter := ratelimit.New(cfg.Limits.TradeMax, cfg.Limits.TradeWindow,
		cfg.Limits.ReadMax, cfg.Limits.ReadWindow, log)
	reg := registry.New(filepath.Join(root, "availability.json"), log)
	sessions := session.NewRegistry()
	hub := vessel.NewHub(relayToken, cfg.Limits.MaxConnections, store, log)
	dispatcher := dispatch.New(cfg, verifier, reg, sessions, store, hub, notify.Nop{}, log, testMetrics)
	engine := capital.NewEngine(apexClient, pricer, notify.Nop{}, reg, log, cfg.Capital)

	relay := New(Deps{
		Config: cfg, Apex: apexClient, Gate: verifier, Limiter: limiter,
		Registry: reg, Sessions: sessions, Store: store, Hub: hub,
		Dispatcher: dispatcher, Capital: engine, Notify: notify.Nop{},
		Audit: log, Metrics: testMetrics,
	})
	return &fixture{router: relay.Router(), relay: relay, cfg: cfg, root: root, upstream: upstream}
}

// authorize drops a valid spawn gate into worker's workspace.
func (f *fixture) authorize(t *testing.T, worker string) {
	t.Helper()
	timestamp := time.Now().UTC().Format(time.RFC3339)
	expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	raw, err := json.Marshal(map[string]string{
		"authorized_by": identity.Apex,
		"agent":         worker,
		"timestamp":     timestamp,
		"expires_at":    expires,
		"signature":     gate.Sign([]byte(spawnSecret), worker, timestamp, expires),
	})
	require.NoError(t, err)
	dir := filepath.Join(f.root, worker)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, gate.GateFile), raw, 0o644))
}

func (f *fixture) do(t *testing.T, method, path, requester string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+relayToken)
	if requester != "" {
		req.Header.Set("X-Requester", requester)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out["detail"]
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/agents/availability", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/agents/availability", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token rejected")
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "configured", out["apex"])
}

func TestBuyValidationBoundaries(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	buy := func(amount float64, mint string) *httptest.ResponseRecorder {
		return f.do(t, "POST", "/execute/buy", "vega", map[string]interface{}{
			"agent_name": "vega", "token_mint": mint, "amount_sol": amount,
		})
	}

	assert.Equal(t, http.StatusBadRequest, buy(0, validMintA).Code, "zero amount")
	assert.Equal(t, http.StatusBadRequest, buy(-0.1, validMintA).Code, "negative amount")
	assert.Equal(t, http.StatusBadRequest, buy(1.01, validMintA).Code, "over the 1.0 cap")
	assert.Equal(t, http.StatusBadRequest, buy(0.5, "not-a-mint").Code, "bad mint")
	assert.Equal(t, http.StatusOK, buy(1.0, validMintA).Code, "cap is inclusive")
}

func TestBuyRejectsUnknownWorker(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/execute/buy", "", map[string]interface{}{
		"agent_name": "intruder", "token_mint": validMintA, "amount_sol": 0.5,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBuySlippageFences(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	buy := func(slippage int) *httptest.ResponseRecorder {
		return f.do(t, "POST", "/execute/buy", "vega", map[string]interface{}{
			"agent_name": "vega", "token_mint": validMintA, "amount_sol": 0.5,
			"slippage_bps": slippage,
		})
	}

	assert.Equal(t, http.StatusBadRequest, buy(0).Code, "explicit zero is not the default")
	assert.Equal(t, http.StatusBadRequest, buy(501).Code)
	assert.Equal(t, http.StatusOK, buy(1).Code)
	assert.Equal(t, http.StatusOK, buy(500).Code)
}

func TestBuyWithoutGate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/execute/buy", "vega", map[string]interface{}{
		"agent_name": "vega", "token_mint": validMintA, "amount_sol": 0.5,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, detail(t, rec), "spawn gate")
}

func TestSellPercentBoundaries(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	sell := func(body map[string]interface{}) *httptest.ResponseRecorder {
		body["agent_name"] = "vega"
		body["token_mint"] = validMintA
		return f.do(t, "POST", "/execute/sell", "vega", body)
	}

	assert.Equal(t, http.StatusBadRequest, sell(map[string]interface{}{"percent": 0}).Code,
		"explicit zero percent rejected")
	assert.Equal(t, http.StatusBadRequest, sell(map[string]interface{}{"percent": 100.1}).Code)
	assert.Equal(t, http.StatusOK, sell(map[string]interface{}{"percent": 100}).Code)
	assert.Equal(t, http.StatusOK, sell(map[string]interface{}{}).Code, "omitted percent defaults to 100")
}

func TestCrossWorkerWriteDenied(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	rec := f.do(t, "POST", "/execute/buy", "lyra", map[string]interface{}{
		"agent_name": "vega", "token_mint": validMintA, "amount_sol": 0.5,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, detail(t, rec), "another worker")
}

func TestApexWritesAnywhere(t *testing.T) {
	f := newFixture(t)

	// No gate on disk: apex authority operates on any worker's wallet
	// without one.
	rec := f.do(t, "POST", "/execute/buy", identity.Apex, map[string]interface{}{
		"agent_name": "vega", "token_mint": validMintA, "amount_sol": 0.5,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "POST", "/execute/sell", identity.Apex, map[string]interface{}{
		"agent_name": "vega", "token_mint": validMintA, "percent": 50,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTradeRateLimit(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	// Default trade cap is 5 per window.
	body := map[string]interface{}{
		"agent_name": "vega", "token_mint": validMintA, "amount_sol": 0.5,
	}
	for i := 0; i < 5; i++ {
		rec := f.do(t, "POST", "/execute/buy", "vega", body)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec := f.do(t, "POST", "/execute/buy", "vega", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	transfer := func(body map[string]interface{}) *httptest.ResponseRecorder {
		body["from_agent"] = "vega"
		body["token_mint"] = validMintA
		return f.do(t, "POST", "/execute/transfer", "vega", body)
	}

	assert.Equal(t, http.StatusForbidden,
		transfer(map[string]interface{}{"to_agent": "stranger"}).Code, "unknown recipient")
	assert.Equal(t, http.StatusBadRequest,
		transfer(map[string]interface{}{"to_agent": "lyra", "percent": 0}).Code)
	assert.Equal(t, http.StatusBadRequest,
		transfer(map[string]interface{}{"to_agent": "lyra", "amount": -5}).Code)
	assert.Equal(t, http.StatusOK,
		transfer(map[string]interface{}{"to_agent": "lyra"}).Code, "defaults to 100 percent")
}

func TestAssignEndpointGone(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/agents/assign", identity.Apex, map[string]interface{}{
		"agent_name": "vega",
	})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestSpawnDeniedForNonApex(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	rec := f.do(t, "POST", "/agents/spawn", "lyra", map[string]interface{}{
		"agent_name": "vega", "prompt": "do work", "mode": "local",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSpawnBusyWorkerConflict(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")
	require.NoError(t, f.relay.registry.MarkBusy("vega", identity.RoleTrader, "position"))

	rec := f.do(t, "POST", "/agents/spawn", identity.Apex, map[string]interface{}{
		"agent_name": "vega", "prompt": "do work", "mode": "local",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSpawnRemoteVesselOffline(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "vega")

	rec := f.do(t, "POST", "/agents/spawn", identity.Apex, map[string]interface{}{
		"agent_name": "vega", "prompt": "do work",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReleaseAndAvailability(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.relay.registry.MarkBusy("vega", identity.RoleTrader, "position"))

	rec := f.do(t, "POST", "/agents/release", identity.Apex, map[string]interface{}{
		"agent_name": "vega",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/agents/availability", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Workers map[string]struct {
			Status string `json:"status"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "idle", snap.Workers["vega"].Status)
}

func TestCheckinManagerOnly(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/agents/checkin", "vega", map[string]interface{}{
		"agent_name": "vega",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "idle worker is not a manager")

	require.NoError(t, f.relay.registry.MarkBusy("vega", identity.RoleManager, "oversee"))
	rec = f.do(t, "POST", "/agents/checkin", "vega", map[string]interface{}{
		"agent_name": "vega",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskSubmitAndGet(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/task", "", map[string]interface{}{
		"vessel_id": "vessel-01", "task_type": "shell",
		"payload": map[string]interface{}{"command": "uptime"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.TaskID)

	rec = f.do(t, "GET", "/task/"+out.TaskID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/task/no-such-task", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionVisibility(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.relay.sessions.Create(&session.Session{
		ID: "s1", Worker: "vega", JobType: "trader",
		Mode: session.ModeLocal, Local: &session.Local{},
	}))

	// A worker sees only its own sessions.
	rec := f.do(t, "GET", "/agents/sessions", "lyra", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Sessions []map[string]interface{} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out.Sessions)

	// Reading another worker's session detail is denied.
	rec = f.do(t, "GET", "/agents/sessions/s1", "lyra", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "GET", "/agents/sessions/s1", "vega", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/agents/sessions/missing", identity.Apex, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionKill(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.relay.registry.MarkBusy("vega", identity.RoleTrader, "position"))
	require.NoError(t, f.relay.sessions.Create(&session.Session{
		ID: "s1", Worker: "vega", Mode: session.ModeRemote,
		Remote: &session.Remote{TaskID: "t1", VesselID: "vessel-01"},
	}))

	// Cross-worker kill is denied.
	rec := f.do(t, "POST", "/agents/sessions/s1/kill", "lyra", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "POST", "/agents/sessions/s1/kill", identity.Apex, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.relay.sessions.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusKilled, got.Status)
	assert.False(t, f.relay.registry.Busy("vega"))
}

func TestPositionStateMissing(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/position-state", "vega", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionStateStripsWallet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.Paths.PositionState,
		[]byte(`{"positions": [], "wallet_pubkey": "secretpubkey"}`), 0o644))

	rec := f.do(t, "GET", "/position-state", "vega", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	_, leaked := out["wallet_pubkey"]
	assert.False(t, leaked, "wallet pubkey never leaves the relay")
}

func TestTradeManagerRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/trade-manager", identity.Apex, map[string]interface{}{
		"agent_name": "lyra",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/trade-manager", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "lyra", out["trade_manager"])
}

func TestComplianceLogAndReport(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/compliance/log", "rigel", map[string]interface{}{
		"question": "Can we market this token in the US?", "decision": "GRAY_ZONE",
		"reasoning": "No controlling precedent.", "human_review_required": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var logged struct {
		AuditID string `json:"audit_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logged))
	assert.Contains(t, logged.AuditID, "COUNSEL-")

	rec = f.do(t, "GET", "/compliance/log?decision=GRAY_ZONE", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Entries, 1)

	rec = f.do(t, "GET", "/compliance/report", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		AllTime map[string]int `json:"all_time"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.AllTime["gray_zone"])
	assert.Equal(t, 1, report.AllTime["human_review_required"])
}

func TestNotifySanitizesAndSends(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/notify", "vega", map[string]interface{}{
		"title": "Position closed", "details": "Sold the full bag.", "tx_hash": "abc123",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "sent", out["status"])
}

func TestActivityTail(t *testing.T) {
	f := newFixture(t)
	f.relay.log.Event("TEST_EVENT", audit.Details{"n": 1})

	rec := f.do(t, "GET", "/activity?limit=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out)
}
