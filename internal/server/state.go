package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/ratelimit"
)

// Local state files written by side processes on the same machine. The
// relay reads them; it never writes position or catalyst state.

func (rl *Relay) handlePositionState(w http.ResponseWriter, r *http.Request) {
	raw, err := os.ReadFile(rl.cfg.Paths.PositionState)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "No position state available", "status": "waiting",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "State file read error: "+err.Error())
		return
	}

	var state map[string]interface{}
	if err := json.Unmarshal(raw, &state); err != nil {
		writeError(w, http.StatusInternalServerError, "State file read error: "+err.Error())
		return
	}
	// The wallet pubkey never leaves this machine.
	delete(state, "wallet_pubkey")
	writeJSON(w, http.StatusOK, state)
}

func (rl *Relay) handlePositions(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	requester := rl.requester(r)

	if !identity.Whitelisted(worker) {
		rl.log.Event("POSITIONS_REJECTED", audit.Details{"reason": "invalid_agent", "worker": clip(worker, 50)})
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}
	if !rl.checkRate(w, attribution(requester, worker), ratelimit.Read, "POSITIONS") {
		return
	}
	if !rl.authorizeRead(w, requester, worker, "POSITIONS") {
		return
	}

	rl.log.Event("POSITIONS", audit.Details{"worker": worker, "requester": attribution(requester, worker)})

	raw, err := os.ReadFile(rl.cfg.Paths.PositionState)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"positions": []interface{}{}, "sol_balance": 0,
			"timestamp": nil, "status": "no_data",
		})
		return
	}

	var state struct {
		Positions  []map[string]interface{} `json:"positions"`
		SOLBalance float64                  `json:"sol_balance"`
		Timestamp  interface{}              `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		rl.log.Event("POSITIONS_ERROR", audit.Details{"worker": worker, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Position state read error: "+err.Error())
		return
	}

	mine := []map[string]interface{}{}
	for _, p := range state.Positions {
		if p["agent"] == worker {
			mine = append(mine, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": mine, "total": len(mine),
		"sol_balance": state.SOLBalance, "timestamp": state.Timestamp, "status": "ok",
	})
}

// handleFeedCatalysts serves aggregated catalyst events from the local
// state file with an optional trend-score floor.
func (rl *Relay) handleFeedCatalysts(w http.ResponseWriter, r *http.Request) {
	requester := rl.requester(r)
	limit := clampQueryInt(r, "limit", 20, 1, 50)

	minScore := 0.0
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			minScore = v
		}
	}
	if minScore < 0 {
		minScore = 0
	}
	if minScore > 100 {
		minScore = 100
	}

	rl.log.Event("FEED_CATALYSTS", audit.Details{"limit": limit, "min_score": minScore, "requester": requester})

	raw, err := os.ReadFile(rl.cfg.Paths.CatalystState)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": []interface{}{}, "total": 0, "timestamp": nil, "status": "no_data",
		})
		return
	}

	var data struct {
		Events    []map[string]interface{} `json:"events"`
		Timestamp interface{}              `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		rl.log.Event("FEED_CATALYSTS_ERROR", audit.Details{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Catalyst state read error: "+err.Error())
		return
	}

	events := data.Events
	if minScore > 0 {
		kept := events[:0]
		for _, e := range events {
			if score, ok := e["trend_score"].(float64); ok && score >= minScore {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	total := len(events)
	if len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events, "total": total, "timestamp": data.Timestamp, "status": "ok",
	})
}

// --- Trade-manager assignment (vessel state file) ---

func (rl *Relay) vesselStatePath() string {
	return filepath.Join(rl.cfg.Paths.DataDir, "vessel_state.json")
}

func (rl *Relay) handleTradeManagerGet(w http.ResponseWriter, r *http.Request) {
	raw, err := os.ReadFile(rl.vesselStatePath())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"trade_manager": nil, "error": "No vessel state configured",
		})
		return
	}
	var state map[string]interface{}
	if err := json.Unmarshal(raw, &state); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trade_manager": state["trade_manager"],
		"updated_at":    state["updated_at"],
		"updated_by":    state["updated_by"],
	})
}

func (rl *Relay) handleTradeManagerSet(w http.ResponseWriter, r *http.Request) {
	var req workerBody
	if !decodeBody(w, r, &req) {
		return
	}
	requester := rl.requester(r)

	if !identity.Whitelisted(req.Worker) {
		rl.log.Event("SET_TRADE_MANAGER_REJECTED", audit.Details{"reason": "invalid_agent", "worker": clip(req.Worker, 50)})
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}

	state := map[string]interface{}{}
	if raw, err := os.ReadFile(rl.vesselStatePath()); err == nil {
		json.Unmarshal(raw, &state)
	}
	prev := state["trade_manager"]
	state["trade_manager"] = req.Worker
	state["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	state["updated_by"] = attribution(requester, "unknown")

	if err := writeFileAtomic(rl.vesselStatePath(), state); err != nil {
		rl.log.Event("SET_TRADE_MANAGER_ERROR", audit.Details{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rl.log.Event("TRADE_MANAGER_CHANGED", audit.Details{
		"old_manager": prev, "new_manager": req.Worker, "requester": requester,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "trade_manager": req.Worker, "previous": prev,
	})
}

// writeFileAtomic marshals v and writes it with temp-then-rename so readers
// never see a torn file.
func writeFileAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".relay-state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
