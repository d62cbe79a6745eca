package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/dispatch"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/registry"
	"github.com/vesselproject/relay/internal/session"
)

type spawnBody struct {
	Worker       string  `json:"agent_name"`
	JobType      string  `json:"job_type"`
	Prompt       string  `json:"prompt"`
	TokenMint    string  `json:"token_mint"`
	MaxTurns     int     `json:"max_turns"`
	Mode         string  `json:"mode"`
	VesselID     string  `json:"vessel_id"`
	MaxBudgetUSD float64 `json:"max_budget_usd"`
}

func (rl *Relay) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnBody
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.JobType == "" {
		req.JobType = "general"
	}
	if req.Mode == "" {
		req.Mode = "oneshot"
	}
	if req.VesselID == "" {
		req.VesselID = "vessel-01"
	}
	if req.TokenMint != "" && !validMint(req.TokenMint) {
		writeError(w, http.StatusBadRequest, "Invalid token mint address")
		return
	}

	result, err := rl.dispatcher.Spawn(r.Context(), rl.requester(r), dispatch.SpawnRequest{
		Worker:       req.Worker,
		JobType:      req.JobType,
		Prompt:       req.Prompt,
		TokenMint:    req.TokenMint,
		Mode:         req.Mode,
		VesselID:     req.VesselID,
		MaxTurns:     req.MaxTurns,
		MaxBudgetUSD: req.MaxBudgetUSD,
	})
	if err != nil {
		spawnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type workerBody struct {
	Worker string `json:"agent_name"`
}

// handleRelease is the manual override: normal lifecycle releases workers
// through session completion.
func (rl *Relay) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req workerBody
	if !decodeBody(w, r, &req) {
		return
	}
	requester := rl.requester(r)

	if !identity.Whitelisted(req.Worker) {
		rl.log.Event("RELEASE_REJECTED", audit.Details{"reason": "invalid_agent", "worker": clip(req.Worker, 50)})
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}

	prev, err := rl.registry.MarkIdle(req.Worker)
	if err != nil {
		if errors.Is(err, registry.ErrUntracked) {
			writeError(w, http.StatusNotFound, "Worker not tracked")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rl.log.Event("AGENT_RELEASED", audit.Details{
		"worker": req.Worker, "old_assignment": prev.Assignment,
		"old_role": prev.Role, "requester": requester,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "agent_name": req.Worker, "status": "idle",
		"released_from": prev.Assignment, "previous_role": prev.Role,
	})
}

// handleCheckin is the manager heartbeat.
func (rl *Relay) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req workerBody
	if !decodeBody(w, r, &req) {
		return
	}
	requester := rl.requester(r)

	if !identity.Whitelisted(req.Worker) {
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}

	at, err := rl.registry.Heartbeat(req.Worker)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUntracked):
			writeError(w, http.StatusNotFound, "Worker not tracked")
		case errors.Is(err, registry.ErrNotManager):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	rl.log.Event("MANAGER_CHECKIN", audit.Details{"worker": req.Worker, "requester": requester})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "agent_name": req.Worker, "last_checkin": at,
	})
}

// handleAssignGone answers the retired assignment endpoint. Spawn owns the
// busy/idle lifecycle now; a manual assign path would reintroduce stuck
// workers.
func (rl *Relay) handleAssignGone(w http.ResponseWriter, r *http.Request) {
	var req workerBody
	if decodeBody(w, r, &req) {
		rl.log.Event("ASSIGN_DEPRECATED", audit.Details{
			"worker": req.Worker, "requester": rl.requester(r),
		})
	}
	writeJSON(w, http.StatusGone, map[string]interface{}{
		"success": false,
		"error":   "DEPRECATED: /agents/assign is removed. Use POST /agents/spawn instead.",
	})
}

type sessionSummary struct {
	SessionID      string     `json:"session_id"`
	Worker         string     `json:"agent_name"`
	JobType        string     `json:"job_type"`
	Status         string     `json:"status"`
	Mode           string     `json:"mode"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
}

func summarize(s session.Session) sessionSummary {
	end := time.Now()
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	return sessionSummary{
		SessionID: s.ID, Worker: s.Worker, JobType: s.JobType,
		Status: s.Status, Mode: string(s.Mode),
		StartedAt: s.StartedAt, CompletedAt: s.CompletedAt,
		ElapsedSeconds: end.Sub(s.StartedAt).Round(100 * time.Millisecond).Seconds(),
	}
}

// handleSessionList lists sessions. Non-apex requesters only see their own.
func (rl *Relay) handleSessionList(w http.ResponseWriter, r *http.Request) {
	requester := rl.requester(r)

	filter := ""
	if requester != "" && !identity.IsApex(requester) {
		filter = requester
	}
	sessions := rl.sessions.List(filter)
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out, "total": len(out)})
}

func (rl *Relay) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	requester := rl.requester(r)

	s, err := rl.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if requester != "" && !identity.IsApex(requester) && s.Worker != requester {
		writeError(w, http.StatusForbidden, "Cannot view another worker's session")
		return
	}

	var resultPreview string
	if s.Result != nil {
		raw, _ := json.Marshal(s.Result)
		resultPreview = clip(string(raw), 500)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":        s,
		"result_preview": resultPreview,
	})
}

func (rl *Relay) handleSessionKill(w http.ResponseWriter, r *http.Request) {
	requester := rl.requester(r)
	id := mux.Vars(r)["id"]

	s, err := rl.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if requester != "" && !identity.IsApex(requester) && s.Worker != requester {
		rl.log.Event("SESSION_KILL_DENIED", audit.Details{
			"session_id": id, "requester": requester,
			"target_worker": s.Worker, "reason": "cross_agent_not_allowed",
		})
		writeError(w, http.StatusForbidden, "Cannot kill another worker's session")
		return
	}

	killed, changed, err := rl.dispatcher.Kill(r.Context(), requester, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !changed {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   "Session is not running (status: " + killed.Status + ")",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "session_id": id,
		"agent_name": killed.Worker, "status": killed.Status,
	})
}

// handleAgentContext serves a worker's identity doc and config for vessel
// startup sync.
func (rl *Relay) handleAgentContext(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if !identity.Whitelisted(worker) || identity.IsApex(worker) {
		writeError(w, http.StatusBadRequest, "No context for '"+worker+"'")
		return
	}

	out := map[string]interface{}{
		"agent_name": worker,
		"identity":   "",
		"config":     map[string]interface{}{},
	}
	if raw, err := os.ReadFile(filepath.Join(rl.cfg.Paths.ContextsDir, worker, "IDENTITY.md")); err == nil {
		out["identity"] = string(raw)
	}
	if raw, err := os.ReadFile(filepath.Join(rl.cfg.Paths.ContextsDir, worker, "config.json")); err == nil {
		var cfg map[string]interface{}
		if json.Unmarshal(raw, &cfg) == nil {
			out["config"] = cfg
		}
	}
	writeJSON(w, http.StatusOK, out)
}
