package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vesselproject/relay/internal/task"
)

type taskSubmit struct {
	VesselID string                 `json:"vessel_id"`
	TaskType string                 `json:"task_type"`
	Payload  map[string]interface{} `json:"payload"`
	Priority int                    `json:"priority"`
	Timeout  int                    `json:"timeout"`
}

type taskResponse struct {
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
}

func (rl *Relay) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req taskSubmit
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VesselID == "" {
		writeError(w, http.StatusBadRequest, "vessel_id is required")
		return
	}
	if req.TaskType == "" {
		req.TaskType = task.TypeGeneric
	}
	if req.Timeout <= 0 {
		req.Timeout = 300
	}

	t := &task.Task{
		TaskID:   uuid.New().String(),
		VesselID: req.VesselID,
		TaskType: req.TaskType,
		Payload:  req.Payload,
		Priority: req.Priority,
		Timeout:  req.Timeout,
	}
	if err := rl.store.Submit(t); err != nil {
		writeError(w, http.StatusInternalServerError, "Could not persist task")
		return
	}
	rl.metrics.RecordTaskSubmitted(req.VesselID, req.TaskType)
	writeJSON(w, http.StatusOK, taskResponse{TaskID: t.TaskID, Status: t.Status})
}

func (rl *Relay) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := rl.store.Get(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: t.TaskID, Status: t.Status, Result: t.Result})
}

func (rl *Relay) handleVessels(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		VesselID  string `json:"vessel_id"`
		Connected bool   `json:"connected"`
	}
	out := []entry{}
	for _, id := range rl.hub.List() {
		out = append(out, entry{VesselID: id, Connected: true})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vessels": out})
}
