// Package watchdog runs the background sweeps that keep the registries
// honest: sessions that outlive their deadline, remote sessions whose
// vessel vanished, and managers that stopped heartbeating. Each sweep is
// independent; a failure in one never stops the others.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/config"
	"github.com/vesselproject/relay/internal/metrics"
	"github.com/vesselproject/relay/internal/notify"
	"github.com/vesselproject/relay/internal/registry"
	"github.com/vesselproject/relay/internal/session"
	"github.com/vesselproject/relay/internal/task"
	"github.com/vesselproject/relay/internal/vessel"
)

// Watchdog owns the sweep loop.
type Watchdog struct {
	cfg      *config.Config
	sessions *session.Registry
	registry *registry.Registry
	store    *task.Store
	hub      *vessel.Hub
	notify   notify.Notifier
	log      *audit.Log
	metrics  *metrics.Metrics
}

func New(cfg *config.Config, sessions *session.Registry, reg *registry.Registry,
	store *task.Store, hub *vessel.Hub, n notify.Notifier, auditLog *audit.Log, m *metrics.Metrics) *Watchdog {
	return &Watchdog{
		cfg: cfg, sessions: sessions, registry: reg,
		store: store, hub: hub, notify: n, log: auditLog, metrics: m,
	}
}

// Run blocks until ctx is cancelled, sweeping on the configured cadence.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Sessions.SweepInterval)
	defer ticker.Stop()
	log.Printf("[watchdog] started, sweep every %s", w.cfg.Sessions.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[watchdog] stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	w.guard("timeouts", func() { w.sweepTimeouts(ctx) })
	w.guard("orphans", func() { w.sweepOrphans(ctx) })
	w.guard("managers", func() { w.sweepManagers(ctx) })
}

// guard keeps one broken sweep from taking down the loop.
func (w *Watchdog) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[watchdog] %s sweep panic: %v", name, r)
		}
	}()
	fn()
}

// sweepTimeouts terminates sessions running past the deadline.
func (w *Watchdog) sweepTimeouts(ctx context.Context) {
	for _, s := range w.sessions.Expired(w.cfg.Sessions.Timeout) {
		switch s.Mode {
		case session.ModeLocal:
			if s.Local != nil && s.Local.Proc != nil {
				if err := s.Local.Proc.Kill(); err != nil {
					log.Printf("[watchdog] kill session %s: %v", s.ID, err)
				}
			}
		case session.ModeRemote:
			if s.Remote != nil {
				w.hub.SendCancel(s.Remote.VesselID, s.Remote.TaskID)
			}
		}
		if _, changed, err := w.sessions.Resolve(s.ID, session.StatusTimedOut, nil); err != nil || !changed {
			continue
		}
		w.metrics.RecordSessionOutcome(s.Worker, session.StatusTimedOut)
		w.metrics.SetRunningSessions(w.sessions.Running())
		w.release(s.Worker, "session_timeout")
		w.log.Event("SESSION_TIMEOUT", audit.Details{
			"session_id": s.ID, "worker": s.Worker, "mode": s.Mode,
			"running_for": time.Since(s.StartedAt).String(),
		})
		w.notify.Notify(ctx, fmt.Sprintf(
			"**Session Timeout**: %s\nSession %s exceeded %s and was terminated.",
			s.Worker, s.ID, w.cfg.Sessions.Timeout))
	}
}

// sweepOrphans resolves remote sessions whose vessel is gone. The task row
// is orphaned too so its terminal state survives a restart.
func (w *Watchdog) sweepOrphans(ctx context.Context) {
	for _, s := range w.sessions.RunningRemote() {
		if s.Remote == nil || w.hub.Connected(s.Remote.VesselID) {
			continue
		}
		// Give a freshly-started session one full sweep to reconnect.
		if time.Since(s.StartedAt) < w.cfg.Sessions.SweepInterval {
			continue
		}
		if _, changed, err := w.sessions.Resolve(s.ID, session.StatusOrphaned, nil); err != nil || !changed {
			continue
		}
		w.metrics.RecordSessionOutcome(s.Worker, session.StatusOrphaned)
		w.metrics.SetRunningSessions(w.sessions.Running())
		if _, err := w.store.Complete(s.Remote.TaskID, task.StatusOrphaned, nil); err != nil {
			log.Printf("[watchdog] orphan task %s: %v", s.Remote.TaskID, err)
		}
		w.release(s.Worker, "session_orphaned")
		w.log.Event("SESSION_ORPHANED", audit.Details{
			"session_id": s.ID, "worker": s.Worker, "vessel_id": s.Remote.VesselID,
		})
		w.notify.Notify(ctx, fmt.Sprintf(
			"**Session Orphaned**: %s\nVessel %s disconnected with session %s in flight.",
			s.Worker, s.Remote.VesselID, s.ID))
	}
}

// sweepManagers releases managers whose heartbeat went stale.
func (w *Watchdog) sweepManagers(ctx context.Context) {
	for _, worker := range w.registry.TimeoutSweep(w.cfg.Sessions.ManagerTimeout) {
		w.notify.Notify(ctx, fmt.Sprintf(
			"**Manager Timeout**: %s\nNo heartbeat for %s, released to idle pool.",
			worker, w.cfg.Sessions.ManagerTimeout))
	}
}

func (w *Watchdog) release(worker, reason string) {
	if _, err := w.registry.MarkIdle(worker); err != nil {
		w.log.Event("AUTO_RELEASE_ERROR", audit.Details{"worker": worker, "error": err.Error()})
		return
	}
	w.log.Event("AUTO_RELEASE", audit.Details{"worker": worker, "reason": reason})
}
