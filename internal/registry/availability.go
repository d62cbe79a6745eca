// Package registry tracks worker availability: who is idle, who is busy
// with what, and when manager workers last checked in. The authoritative
// copy is in memory; a JSON snapshot is atomically rewritten on every
// mutation so other processes can observe it without talking to the relay.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
)

var (
	// ErrUntracked means the worker is not in the registry.
	ErrUntracked = errors.New("worker not tracked")
	// ErrBusy means MarkBusy targeted a worker that is already assigned.
	ErrBusy = errors.New("worker already busy")
	// ErrNotManager means a heartbeat was sent by a non-manager worker.
	ErrNotManager = errors.New("worker is not a manager")
)

// Worker is one registry entry. A busy worker always has a role and an
// assigned-at time; an idle worker has neither.
type Worker struct {
	Status        string        `json:"status"` // idle | busy
	Role          identity.Role `json:"role,omitempty"`
	Assignment    string        `json:"assignment,omitempty"`
	AssignedAt    *time.Time    `json:"assigned_at,omitempty"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"`
}

// Snapshot is the externally visible registry state.
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Workers   map[string]Worker `json:"workers"`
}

// Registry serializes all availability mutations behind one lock.
type Registry struct {
	mu   sync.RWMutex
	path string
	data map[string]Worker
	log  *audit.Log
	now  func() time.Time
}

// New seeds the registry with every dispatchable worker idle. Apex is not
// tracked: it is the capital pool, never a dispatch target.
func New(path string, auditLog *audit.Log) *Registry {
	data := make(map[string]Worker)
	for _, name := range identity.Dispatchable() {
		data[name] = Worker{Status: "idle"}
	}
	return &Registry{path: path, data: data, log: auditLog, now: time.Now}
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{Timestamp: r.now().UTC(), Workers: make(map[string]Worker, len(r.data))}
	for name, w := range r.data {
		out.Workers[name] = w
	}
	return out
}

// Busy reports whether worker is currently assigned.
func (r *Registry) Busy(worker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data[worker].Status == "busy"
}

// MarkBusy assigns worker to a role. The idle-to-busy transition is a
// compare-and-set under the registry lock, so two concurrent assignments
// for the same worker cannot both win. Managers get an initial heartbeat
// so the timeout clock starts at assignment, not at first check-in.
func (r *Registry) MarkBusy(worker string, role identity.Role, assignment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.data[worker]
	if !ok {
		return ErrUntracked
	}
	if w.Status == "busy" {
		return fmt.Errorf("%w: %s", ErrBusy, worker)
	}
	now := r.now().UTC()
	w.Status = "busy"
	w.Role = role
	w.Assignment = assignment
	w.AssignedAt = &now
	if role == identity.RoleManager {
		w.LastHeartbeat = &now
	} else {
		w.LastHeartbeat = nil
	}
	r.data[worker] = w
	return r.persistLocked()
}

// MarkIdle releases worker. Releasing an idle worker is a no-op.
func (r *Registry) MarkIdle(worker string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.data[worker]
	if !ok {
		return Worker{}, ErrUntracked
	}
	prev := w
	if w.Status == "idle" {
		return prev, nil
	}
	r.data[worker] = Worker{Status: "idle"}
	if err := r.persistLocked(); err != nil {
		return prev, err
	}
	return prev, nil
}

// Heartbeat resets the manager timeout clock for worker.
func (r *Registry) Heartbeat(worker string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.data[worker]
	if !ok {
		return time.Time{}, ErrUntracked
	}
	if w.Role != identity.RoleManager {
		return time.Time{}, fmt.Errorf("%w: role %q", ErrNotManager, w.Role)
	}
	now := r.now().UTC()
	w.LastHeartbeat = &now
	r.data[worker] = w
	return now, r.persistLocked()
}

// TimeoutSweep releases every busy manager whose last heartbeat is older
// than horizon. Returns the released worker names.
func (r *Registry) TimeoutSweep(horizon time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []string
	now := r.now()
	for name, w := range r.data {
		if w.Role != identity.RoleManager || w.Status != "busy" || w.LastHeartbeat == nil {
			continue
		}
		elapsed := now.Sub(*w.LastHeartbeat)
		if elapsed <= horizon {
			continue
		}
		r.data[name] = Worker{Status: "idle"}
		released = append(released, name)
		r.log.Event("MANAGER_TIMEOUT", audit.Details{
			"worker":        name,
			"elapsed_hours": elapsed.Hours(),
		})
	}
	if len(released) > 0 {
		if err := r.persistLocked(); err != nil {
			r.log.Event("AVAILABILITY_PERSIST_ERROR", audit.Details{"error": err.Error()})
		}
	}
	return released
}

// persistLocked writes the snapshot via temp-then-rename so concurrent
// readers never observe a partial file. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	snap := Snapshot{Timestamp: r.now().UTC(), Workers: r.data}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".availability-*.json")
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
	return os.Rename(tmp.Name(), r.path)
}
