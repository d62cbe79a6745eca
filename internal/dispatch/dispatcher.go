// Package dispatch creates and terminates agent sessions. Spawning is the
// apex identity's privilege alone; every spawn passes the gate check, the
// whitelist, and the single-activity rule before a worker is committed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/config"
	"github.com/vesselproject/relay/internal/gate"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/metrics"
	"github.com/vesselproject/relay/internal/notify"
	"github.com/vesselproject/relay/internal/registry"
	"github.com/vesselproject/relay/internal/session"
	"github.com/vesselproject/relay/internal/task"
	"github.com/vesselproject/relay/internal/vessel"
)

// Spawn failure kinds. The HTTP layer maps these onto status codes.
var (
	ErrNotSpawnAuthority = errors.New("only the apex identity can spawn workers")
	ErrInvalidWorker     = errors.New("worker cannot be spawned")
	ErrGateDenied        = errors.New("worker has no valid spawn gate")
	ErrWorkerBusy        = errors.New("worker is already busy")
	ErrVesselOffline     = errors.New("vessel is not connected")
	ErrExecutorMissing   = errors.New("confined executor binary not found")
)

// SpawnRequest is a validated spawn order.
type SpawnRequest struct {
	Worker       string
	JobType      string
	Prompt       string
	TokenMint    string
	Mode         string // "oneshot" | "continuous" (remote) | "local"
	VesselID     string
	MaxTurns     int
	MaxBudgetUSD float64
}

// SpawnResult is returned to the submitter immediately; the session runs on.
type SpawnResult struct {
	SessionID string `json:"session_id"`
	Worker    string `json:"worker"`
	JobType   string `json:"job_type"`
	TaskID    string `json:"task_id,omitempty"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
}

// Dispatcher wires the gate, registries, task store, and vessel hub into
// the spawn/kill lifecycle.
type Dispatcher struct {
	cfg      *config.Config
	gate     *gate.Verifier
	registry *registry.Registry
	sessions *session.Registry
	store    *task.Store
	hub      *vessel.Hub
	notify   notify.Notifier
	log      *audit.Log
	metrics  *metrics.Metrics
}

func New(cfg *config.Config, g *gate.Verifier, reg *registry.Registry, sessions *session.Registry,
	store *task.Store, hub *vessel.Hub, n notify.Notifier, auditLog *audit.Log, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		cfg: cfg, gate: g, registry: reg, sessions: sessions,
		store: store, hub: hub, notify: n, log: auditLog, metrics: m,
	}
	hub.OnResult(d.handleResult)
	return d
}

// observeSessions re-derives the running-session gauge from the registry
// so it never drifts from the real count.
func (d *Dispatcher) observeSessions() {
	d.metrics.SetRunningSessions(d.sessions.Running())
}

// Spawn runs the authorization sequence and dispatches by mode.
func (d *Dispatcher) Spawn(ctx context.Context, requester string, req SpawnRequest) (SpawnResult, error) {
	if !identity.IsApex(requester) {
		d.log.Event("SPAWN_DENIED", audit.Details{
			"worker": req.Worker, "requester": requester, "reason": "not_spawn_authority",
		})
		return SpawnResult{}, ErrNotSpawnAuthority
	}
	if !identity.Whitelisted(req.Worker) || identity.IsApex(req.Worker) {
		d.log.Event("SPAWN_DENIED", audit.Details{"worker": req.Worker, "reason": "invalid_worker"})
		return SpawnResult{}, fmt.Errorf("%w: %q", ErrInvalidWorker, req.Worker)
	}
	if !d.gate.Verify(req.Worker) {
		d.log.Event("SPAWN_GATE_DENIED", audit.Details{"worker": req.Worker, "requester": requester})
		go d.notify.Notify(context.Background(), fmt.Sprintf(
			"**SPAWN GATE DENIED**: %s\nSpawn attempted without valid gate.", req.Worker))
		return SpawnResult{}, ErrGateDenied
	}
	if d.registry.Busy(req.Worker) {
		return SpawnResult{}, fmt.Errorf("%w: %q", ErrWorkerBusy, req.Worker)
	}

	if req.MaxTurns <= 0 {
		req.MaxTurns = d.cfg.Sessions.MaxTurns
	}
	if req.MaxBudgetUSD <= 0 {
		req.MaxBudgetUSD = d.cfg.Runner.MaxBudgetUSD
	}

	if req.Mode == "local" {
		return d.spawnLocal(ctx, requester, req)
	}
	return d.spawnRemote(ctx, requester, req)
}

// spawnRemote queues an agent task for the vessel and records the session.
func (d *Dispatcher) spawnRemote(ctx context.Context, requester string, req SpawnRequest) (SpawnResult, error) {
	if !d.hub.Connected(req.VesselID) {
		return SpawnResult{}, fmt.Errorf("%w: %q", ErrVesselOffline, req.VesselID)
	}

	sessionID := uuid.New().String()
	taskID := uuid.New().String()

	t := &task.Task{
		TaskID:   taskID,
		VesselID: req.VesselID,
		TaskType: task.TypeAgent,
		Payload: map[string]interface{}{
			"prompt":     req.Prompt,
			"worker":     req.Worker,
			"max_turns":  req.MaxTurns,
			"identity":   d.loadIdentity(req.Worker),
			"job_type":   req.JobType,
			"session_id": sessionID,
		},
		Priority: 1,
		Timeout:  int(d.cfg.Sessions.Timeout.Seconds()),
	}

	if err := d.registry.MarkBusy(req.Worker, identity.RoleForJob(req.JobType), req.TokenMint); err != nil {
		if errors.Is(err, registry.ErrBusy) {
			return SpawnResult{}, fmt.Errorf("%w: %q", ErrWorkerBusy, req.Worker)
		}
		return SpawnResult{}, fmt.Errorf("mark busy: %w", err)
	}
	if err := d.store.Submit(t); err != nil {
		d.registry.MarkIdle(req.Worker)
		return SpawnResult{}, fmt.Errorf("submit task: %w", err)
	}

	s := &session.Session{
		ID:            sessionID,
		Worker:        req.Worker,
		JobType:       req.JobType,
		Mode:          session.ModeRemote,
		PromptPreview: preview(req.Prompt),
		Remote:        &session.Remote{TaskID: taskID, VesselID: req.VesselID},
	}
	if err := d.sessions.Create(s); err != nil {
		d.registry.MarkIdle(req.Worker)
		return SpawnResult{}, fmt.Errorf("create session: %w", err)
	}
	d.observeSessions()

	d.log.Event("AGENT_SPAWNED", audit.Details{
		"session_id": sessionID, "worker": req.Worker, "job_type": req.JobType,
		"task_id": taskID, "mode": "remote", "requester": requester,
	})
	return SpawnResult{
		SessionID: sessionID, Worker: req.Worker, JobType: req.JobType,
		TaskID: taskID, Mode: "remote", Status: "dispatched",
	}, nil
}

// sessionStatus maps a task's terminal status onto the session vocabulary.
func sessionStatus(taskStatus string) string {
	switch taskStatus {
	case task.StatusCompleted:
		return session.StatusCompleted
	case task.StatusTimeout:
		return session.StatusTimedOut
	case task.StatusCancelled:
		return session.StatusKilled
	case task.StatusOrphaned:
		return session.StatusOrphaned
	default:
		return session.StatusError
	}
}

// handleResult resolves the session referenced by a vessel result frame
// and releases the worker.
func (d *Dispatcher) handleResult(t task.Task, result map[string]interface{}) {
	sessionID, _ := result["session_id"].(string)
	if sessionID == "" {
		return
	}
	s, changed, err := d.sessions.Resolve(sessionID, sessionStatus(t.Status), result)
	if err != nil || !changed {
		return
	}
	d.metrics.RecordSessionOutcome(s.Worker, s.Status)
	d.observeSessions()
	d.releaseWorker(s.Worker, "session_ended")
	d.log.Event("SESSION_COMPLETED", audit.Details{
		"session_id": sessionID, "worker": s.Worker, "status": s.Status, "turns": result["turns"],
	})
}

// Kill cancels a running session. Killing a terminal session is a no-op
// that reports the unchanged state.
func (d *Dispatcher) Kill(ctx context.Context, requester, sessionID string) (session.Session, bool, error) {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return session.Session{}, false, err
	}
	if s.Terminal() {
		return s, false, nil
	}

	switch s.Mode {
	case session.ModeLocal:
		if s.Local != nil && s.Local.Proc != nil {
			terminateGracefully(s.Local.Proc)
		}
	case session.ModeRemote:
		if s.Remote != nil {
			if !d.hub.SendCancel(s.Remote.VesselID, s.Remote.TaskID) {
				log.Printf("[dispatch] cancel for %s: vessel %s offline", sessionID, s.Remote.VesselID)
			}
		}
	}

	resolved, changed, err := d.sessions.Resolve(sessionID, session.StatusKilled, nil)
	if err != nil {
		return session.Session{}, false, err
	}
	if changed {
		d.metrics.RecordSessionOutcome(resolved.Worker, resolved.Status)
		d.observeSessions()
	}
	d.releaseWorker(s.Worker, "session_killed")
	d.log.Event("SESSION_KILLED", audit.Details{
		"session_id": sessionID, "worker": s.Worker, "requester": requester,
	})
	return resolved, true, nil
}

// terminateGracefully signals the child, waits 5 s, then hard-kills.
func terminateGracefully(h session.Handle) {
	if err := h.Terminate(); err != nil {
		h.Kill()
		return
	}
	time.AfterFunc(5*time.Second, func() { h.Kill() })
}

// releaseWorker marks the worker idle, tolerating already-idle.
func (d *Dispatcher) releaseWorker(worker, reason string) {
	if worker == "" {
		return
	}
	if _, err := d.registry.MarkIdle(worker); err != nil {
		d.log.Event("AUTO_RELEASE_ERROR", audit.Details{"worker": worker, "error": err.Error()})
		return
	}
	d.log.Event("AUTO_RELEASE", audit.Details{"worker": worker, "reason": reason})
}

// loadIdentity reads the worker's identity document; missing docs are fine.
func (d *Dispatcher) loadIdentity(worker string) string {
	raw, err := os.ReadFile(filepath.Join(d.cfg.Paths.ContextsDir, worker, "IDENTITY.md"))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[dispatch] could not read identity for %s: %v", worker, err)
		}
		return ""
	}
	return string(raw)
}

func preview(prompt string) string {
	if len(prompt) > 200 {
		return prompt[:200]
	}
	return prompt
}
