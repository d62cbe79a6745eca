// Package server is the relay's HTTP surface: the authenticated REST API,
// the vessel WebSocket endpoint, and the Prometheus scrape point. Handlers
// validate and authorize, then delegate to the internal components; error
// kinds are translated to status codes in one place.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

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

// Solana addresses are base58, 32 to 44 characters.
var mintPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// Relay binds every component behind the HTTP surface. Tests build a fresh
// Relay per case; there is no package-level state.
type Relay struct {
	cfg        *config.Config
	apex       *apex.Client
	gate       *gate.Verifier
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	sessions   *session.Registry
	store      *task.Store
	hub        *vessel.Hub
	dispatcher *dispatch.Dispatcher
	capital    *capital.Engine
	notify     notify.Notifier
	log        *audit.Log
	metrics    *metrics.Metrics
}

// Deps carries the constructed components into the Relay.
type Deps struct {
	Config     *config.Config
	Apex       *apex.Client
	Gate       *gate.Verifier
	Limiter    *ratelimit.Limiter
	Registry   *registry.Registry
	Sessions   *session.Registry
	Store      *task.Store
	Hub        *vessel.Hub
	Dispatcher *dispatch.Dispatcher
	Capital    *capital.Engine
	Notify     notify.Notifier
	Audit      *audit.Log
	Metrics    *metrics.Metrics
}

func New(d Deps) *Relay {
	rl := &Relay{
		cfg: d.Config, apex: d.Apex, gate: d.Gate, limiter: d.Limiter,
		registry: d.Registry, sessions: d.Sessions, store: d.Store,
		hub: d.Hub, dispatcher: d.Dispatcher, capital: d.Capital,
		notify: d.Notify, log: d.Audit, metrics: d.Metrics,
	}
	rl.hub.OnConnectionChange(func(n int) {
		rl.metrics.ConnectedVessels.Set(float64(n))
	})
	return rl
}

// Router builds the full route table.
func (rl *Relay) Router() *mux.Router {
	r := mux.NewRouter()

	// Unauthenticated surface: health probe and metrics scrape.
	r.HandleFunc("/health", rl.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// The WebSocket endpoint authenticates in-band (first frame).
	r.HandleFunc("/ws/{vessel_id}", rl.handleVesselWS)

	api := r.NewRoute().Subrouter()
	api.Use(rl.authMiddleware)

	// Task pipeline
	api.HandleFunc("/task", rl.handleTaskSubmit).Methods("POST")
	api.HandleFunc("/task/{id}", rl.handleTaskGet).Methods("GET")
	api.HandleFunc("/vessels", rl.handleVessels).Methods("GET")

	// Read surface
	api.HandleFunc("/position-state", rl.handlePositionState).Methods("GET")
	api.HandleFunc("/positions/{worker}", rl.handlePositions).Methods("GET")
	api.HandleFunc("/wallet-status/{worker}", rl.handleWalletStatus).Methods("GET")
	api.HandleFunc("/transactions/{worker}", rl.handleTransactions).Methods("GET")
	api.HandleFunc("/agents/availability", rl.handleAvailability).Methods("GET")
	api.HandleFunc("/activity", rl.handleActivity).Methods("GET")

	// Trade proxies
	api.HandleFunc("/execute/buy", rl.handleBuy).Methods("POST")
	api.HandleFunc("/execute/sell", rl.handleSell).Methods("POST")
	api.HandleFunc("/execute/transfer", rl.handleTransfer).Methods("POST")
	api.HandleFunc("/execute/transfer-sol", rl.handleTransferSOL).Methods("POST")
	api.HandleFunc("/notify", rl.handleNotify).Methods("POST")

	// Agent lifecycle
	api.HandleFunc("/agents/spawn", rl.handleSpawn).Methods("POST")
	api.HandleFunc("/agents/release", rl.handleRelease).Methods("POST")
	api.HandleFunc("/agents/checkin", rl.handleCheckin).Methods("POST")
	api.HandleFunc("/agents/assign", rl.handleAssignGone).Methods("POST")
	api.HandleFunc("/agents/sessions", rl.handleSessionList).Methods("GET")
	api.HandleFunc("/agents/sessions/{id}", rl.handleSessionGet).Methods("GET")
	api.HandleFunc("/agents/sessions/{id}/kill", rl.handleSessionKill).Methods("POST")
	api.HandleFunc("/agents/context/{worker}", rl.handleAgentContext).Methods("GET")

	// Vessel state
	api.HandleFunc("/trade-manager", rl.handleTradeManagerGet).Methods("GET")
	api.HandleFunc("/trade-manager", rl.handleTradeManagerSet).Methods("POST")

	// Compliance store
	api.HandleFunc("/compliance/log", rl.handleComplianceLog).Methods("POST")
	api.HandleFunc("/compliance/log", rl.handleComplianceList).Methods("GET")
	api.HandleFunc("/compliance/report", rl.handleComplianceReport).Methods("GET")

	// Feeds
	api.HandleFunc("/feeds/telegram", rl.handleFeedTelegram).Methods("GET")
	api.HandleFunc("/feeds/graduating", rl.handleFeedGraduating).Methods("GET")
	api.HandleFunc("/feeds/launches", rl.handleFeedLaunches).Methods("GET")
	api.HandleFunc("/feeds/catalysts", rl.handleFeedCatalysts).Methods("GET")

	// Content pipeline
	api.HandleFunc("/content/scan", rl.handleContentScan).Methods("POST")
	api.HandleFunc("/content/lessons", rl.handleContentLessons).Methods("GET")
	api.HandleFunc("/content/submit", rl.handleContentSubmit).Methods("POST")
	api.HandleFunc("/content/queue", rl.handleContentQueue).Methods("GET")

	return r
}

// authMiddleware enforces the relay token on every REST request.
func (rl *Relay) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(rl.cfg.RelayToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requester resolves the X-Requester header against the whitelist. Unknown
// and missing values act as anonymous.
func (rl *Relay) requester(r *http.Request) string {
	name := strings.TrimSpace(r.Header.Get("X-Requester"))
	if !identity.Whitelisted(name) {
		return ""
	}
	return name
}

// authorizeWrite enforces self-only writes for non-apex requesters.
func (rl *Relay) authorizeWrite(w http.ResponseWriter, requester, target, action string) bool {
	if identity.IsApex(requester) {
		return true
	}
	if requester != "" && requester != target {
		rl.log.Event(action+"_CROSS_AGENT_DENIED", audit.Details{
			"requester": requester, "target": target, "reason": "cross_agent_not_allowed",
		})
		writeError(w, http.StatusForbidden, "Cannot perform "+action+" on another worker's wallet")
		return false
	}
	return true
}

// authorizeRead is authorizeWrite plus the health-monitor exemption: a
// worker running a health job may read across workers.
func (rl *Relay) authorizeRead(w http.ResponseWriter, requester, target, action string) bool {
	if identity.IsApex(requester) || requester == "" || requester == target {
		return true
	}
	if identity.HealthJob(rl.runningJobType(requester)) {
		return true
	}
	rl.log.Event(action+"_CROSS_AGENT_READ_DENIED", audit.Details{
		"requester": requester, "target": target, "reason": "cross_agent_read_not_allowed",
	})
	writeError(w, http.StatusForbidden, "Cannot read another worker's data")
	return false
}

// runningJobType is the job type of the requester's running session, if any.
func (rl *Relay) runningJobType(worker string) string {
	for _, s := range rl.sessions.List(worker) {
		if s.Status == session.StatusRunning {
			return s.JobType
		}
	}
	return ""
}

// checkGate verifies the spawn gate for a write action, emitting the audit
// event and notifying the operator on denial. The apex authority operates
// on any worker's wallet without a gate; gates bind spawned workers only.
func (rl *Relay) checkGate(w http.ResponseWriter, r *http.Request, worker, action, requester string) bool {
	if identity.IsApex(requester) {
		return true
	}
	ok := rl.gate.Verify(worker)
	rl.metrics.RecordGateCheck(worker, ok)
	if ok {
		return true
	}
	rl.log.Event("GATE_DENIED", audit.Details{
		"worker": worker, "action": action, "requester": requester,
	})
	go rl.notify.Notify(r.Context(), "**GATE DENIED**: "+worker+"\nAction "+action+" attempted without valid gate.")
	writeError(w, http.StatusForbidden, "Worker '"+worker+"' has no valid spawn gate")
	return false
}

// checkRate applies the limiter, answering 429 on rejection.
func (rl *Relay) checkRate(w http.ResponseWriter, worker string, class ratelimit.Class, action string) bool {
	if rl.limiter.Allow(worker, class, action) {
		return true
	}
	rl.metrics.RecordRateLimited(worker, class.String())
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded for "+class.String()+" operations")
	return false
}

// spawnError maps dispatcher failure kinds onto HTTP statuses.
func spawnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotSpawnAuthority):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrInvalidWorker):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrGateDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrWorkerBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrVesselOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrExecutorMissing):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (rl *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	apexStatus := "unconfigured"
	if rl.apex.Configured() {
		apexStatus = "configured"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "vessel-relay",
		"apex":    apexStatus,
		"vessels": len(rl.hub.List()),
	})
}

func (rl *Relay) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", 5, 1, 50)
	writeJSON(w, http.StatusOK, rl.log.Tail(limit))
}

func (rl *Relay) handleAvailability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rl.registry.Snapshot())
}

func (rl *Relay) handleVesselWS(w http.ResponseWriter, r *http.Request) {
	rl.hub.Handle(w, r, mux.Vars(r)["vessel_id"])
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeUpstream passes an apex response through verbatim with its status.
func writeUpstream(w http.ResponseWriter, resp *apex.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if resp.OK() {
		w.Write(resp.Body)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": string(resp.Body)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func clampQueryInt(r *http.Request, key string, def, lo, hi int) int {
	v := def
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			v = n
		}
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

func validMint(s string) bool { return mintPattern.MatchString(s) }
