// Package session tracks agent spawn sessions. A session binds exactly one
// worker to one run of an agent job, in one of two modes: remote (a task
// dispatched over the vessel channel) or local (a confined subprocess on
// this machine). The registry enforces single-activity per worker.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Status values. Transitions form a DAG out of running.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusTimedOut  = "timed_out"
	StatusKilled    = "killed"
	StatusOrphaned  = "orphaned"
)

// Mode tags the session variant.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// Handle abstracts the local child process so the registry does not depend
// on os/exec. Terminate asks nicely; Kill does not.
type Handle interface {
	Terminate() error
	Kill() error
}

// Remote is the variant body for vessel-dispatched sessions.
type Remote struct {
	TaskID   string `json:"task_id"`
	VesselID string `json:"vessel_id"`
}

// Local is the variant body for subprocess sessions.
type Local struct {
	Proc       Handle `json:"-"`
	ConfigPath string `json:"-"`
}

// Session is the shared envelope plus exactly one variant body.
type Session struct {
	ID            string      `json:"session_id"`
	Worker        string      `json:"worker"`
	JobType       string      `json:"job_type"`
	Mode          Mode        `json:"mode"`
	Status        string      `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	PromptPreview string      `json:"prompt_preview,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	CostUSD       float64     `json:"cost_usd,omitempty"`

	Remote *Remote `json:"remote,omitempty"`
	Local  *Local  `json:"local,omitempty"`
}

// Terminal reports whether the session has left the running state.
func (s *Session) Terminal() bool {
	return s.Status != StatusRunning
}

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Registry is the in-memory session store. Sessions are not persisted:
// after a restart the availability registry and task store carry the
// durable truth and orphan sweeps resolve the rest.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// Create registers a new running session. It fails if the worker already
// has a running session — one worker, one activity.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sessions {
		if existing.Worker == s.Worker && existing.Status == StatusRunning {
			return errors.New("worker already has a running session")
		}
	}
	s.Status = StatusRunning
	s.StartedAt = r.now()
	r.sessions[s.ID] = s
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// List returns copies of all sessions, newest first. When worker is
// non-empty only that worker's sessions are returned.
func (r *Registry) List(worker string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if worker != "" && s.Worker != worker {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Running counts sessions currently in the running state.
func (r *Registry) Running() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// RunningFor reports whether worker has a running session.
func (r *Registry) RunningFor(worker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Worker == worker && s.Status == StatusRunning {
			return true
		}
	}
	return false
}

// Resolve moves a running session to a terminal status and attaches the
// result. Resolving an already-terminal session is a no-op returning the
// current state, which makes result delivery idempotent.
func (r *Registry) Resolve(id, status string, result interface{}) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if s.Terminal() {
		return *s, false, nil
	}
	now := r.now()
	s.Status = status
	s.CompletedAt = &now
	if result != nil {
		s.Result = result
	}
	return *s, true, nil
}

// SetExit records subprocess exit details on a local session.
func (r *Registry) SetExit(id string, exitCode int, costUSD float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.ExitCode = &exitCode
		if costUSD > 0 {
			s.CostUSD = costUSD
		}
	}
}

// SetProc attaches the process handle once the local child has started.
func (r *Registry) SetProc(id string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.Local != nil {
		s.Local.Proc = h
	}
}

// ClearLocal drops the process handle and config path after cleanup.
func (r *Registry) ClearLocal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.Local != nil {
		s.Local.Proc = nil
		s.Local.ConfigPath = ""
	}
}

// Expired returns copies of running sessions older than horizon.
func (r *Registry) Expired(horizon time.Duration) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	now := r.now()
	for _, s := range r.sessions {
		if s.Status == StatusRunning && now.Sub(s.StartedAt) > horizon {
			out = append(out, *s)
		}
	}
	return out
}

// RunningRemote returns copies of running remote sessions. The orphan
// sweep uses this to find sessions whose vessel has gone away; local
// sessions manage their own lifecycle and are excluded.
func (r *Registry) RunningRemote() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.Status == StatusRunning && s.Mode == ModeRemote {
			out = append(out, *s)
		}
	}
	return out
}
