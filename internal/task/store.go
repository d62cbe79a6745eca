// Package task is the durable task store. Every submitted task is written
// to SQLite before the submitter sees "queued", updated on every status
// transition, and queued on an unbounded per-vessel FIFO for the channel
// sender. The in-memory cache makes the common read path cheap; cache
// misses fall back to the database.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Task statuses. queued → sent → {completed, error, timeout, cancelled, orphaned}.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusOrphaned  = "orphaned"
)

// Task types accepted on submit.
const (
	TypeShell   = "shell"
	TypeCode    = "code"
	TypeAgent   = "agent"
	TypeGeneric = "generic"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Task is one unit of work dispatched to a vessel.
type Task struct {
	TaskID      string                 `json:"task_id"`
	VesselID    string                 `json:"vessel_id"`
	TaskType    string                 `json:"task_type"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    int                    `json:"priority"`
	Timeout     int                    `json:"timeout"` // seconds
	Status      string                 `json:"status"`
	Result      interface{}            `json:"result,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Store combines the SQLite backing table, the in-memory cache, and the
// per-vessel queues.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	cache  map[string]*Task
	queues map[string]*fifo
}

// Open opens (creating if needed) the task database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	// One writer at a time keeps SQLite happy under the shared scheduler.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			task_id      TEXT PRIMARY KEY,
			vessel_id    TEXT NOT NULL,
			task_type    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			priority     INTEGER DEFAULT 0,
			timeout      INTEGER DEFAULT 300,
			status       TEXT DEFAULT 'queued',
			result       TEXT,
			submitted_at REAL,
			completed_at REAL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init task db: %w", err)
	}

	return &Store{
		db:     db,
		cache:  make(map[string]*Task),
		queues: make(map[string]*fifo),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Submit persists the task and enqueues it for its vessel. The task must
// carry a fresh id and status queued.
func (s *Store) Submit(t *Task) error {
	t.Status = StatusQueued
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	if err := s.persist(t); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[t.TaskID] = t
	q := s.queueLocked(t.VesselID)
	s.mu.Unlock()

	q.push(t)
	return nil
}

// Get returns the task by id, consulting the cache first.
func (s *Store) Get(id string) (Task, error) {
	s.mu.Lock()
	if t, ok := s.cache[id]; ok {
		cp := *t
		s.mu.Unlock()
		return cp, nil
	}
	s.mu.Unlock()

	t, err := s.load(id)
	if err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	s.cache[id] = t
	s.mu.Unlock()
	return *t, nil
}

// MarkSent transitions a task to sent and persists it. Called by the
// vessel send loop just before the frame goes out.
func (s *Store) MarkSent(id string) {
	s.transition(id, StatusSent, nil, false)
}

// Complete moves a task to a terminal status with its result. Completing
// an already-terminal task keeps the first outcome (idempotent result
// handling for at-least-once delivery).
func (s *Store) Complete(id, status string, result interface{}) (Task, error) {
	t, err := s.transition(id, status, result, true)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

func (s *Store) transition(id, status string, result interface{}, terminal bool) (*Task, error) {
	s.mu.Lock()
	t, ok := s.cache[id]
	s.mu.Unlock()
	if !ok {
		loaded, err := s.load(id)
		if err != nil {
			return nil, err
		}
		t = loaded
		s.mu.Lock()
		s.cache[id] = t
		s.mu.Unlock()
	}

	s.mu.Lock()
	if terminal && t.Status != StatusQueued && t.Status != StatusSent {
		cp := *t
		s.mu.Unlock()
		return &cp, nil
	}
	t.Status = status
	if result != nil {
		t.Result = result
	}
	if terminal {
		now := time.Now()
		t.CompletedAt = &now
	}
	cp := *t
	s.mu.Unlock()

	if err := s.persist(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Requeue returns an undelivered task to the head of its vessel queue so
// the next channel for that vessel picks it up first.
func (s *Store) Requeue(t *Task) {
	s.mu.Lock()
	q := s.queueLocked(t.VesselID)
	s.mu.Unlock()
	q.pushFront(t)
}

// Dequeue blocks until a task is available for vesselID or ctx is done.
func (s *Store) Dequeue(ctx context.Context, vesselID string) (*Task, error) {
	s.mu.Lock()
	q := s.queueLocked(vesselID)
	s.mu.Unlock()
	return q.pop(ctx)
}

func (s *Store) queueLocked(vesselID string) *fifo {
	q, ok := s.queues[vesselID]
	if !ok {
		q = newFIFO()
		s.queues[vesselID] = q
	}
	return q
}

// persist upserts the row. Timestamps are stored as unix seconds.
func (s *Store) persist(t *Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var result sql.NullString
	if t.Result != nil {
		raw, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}
	var completed sql.NullFloat64
	if t.CompletedAt != nil {
		completed = sql.NullFloat64{Float64: float64(t.CompletedAt.UnixNano()) / 1e9, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO tasks
		(task_id, vessel_id, task_type, payload, priority, timeout, status, result, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.VesselID, t.TaskType, string(payload), t.Priority, t.Timeout,
		t.Status, result, float64(t.SubmittedAt.UnixNano())/1e9, completed)
	if err != nil {
		return fmt.Errorf("persist task %s: %w", t.TaskID, err)
	}
	return nil
}

func (s *Store) load(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT task_id, vessel_id, task_type, payload, priority, timeout, status, result, submitted_at, completed_at
		FROM tasks WHERE task_id = ?`, id)

	var t Task
	var payload string
	var result sql.NullString
	var submitted float64
	var completed sql.NullFloat64
	err := row.Scan(&t.TaskID, &t.VesselID, &t.TaskType, &payload, &t.Priority,
		&t.Timeout, &t.Status, &result, &submitted, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", id, err)
	}
	if result.Valid {
		var r interface{}
		if err := json.Unmarshal([]byte(result.String), &r); err == nil {
			t.Result = r
		}
	}
	t.SubmittedAt = time.Unix(0, int64(submitted*1e9))
	if completed.Valid {
		ts := time.Unix(0, int64(completed.Float64*1e9))
		t.CompletedAt = &ts
	}
	return &t, nil
}

// fifo is an unbounded queue. The relay cannot usefully drop tasks, so
// there is no cap; the rate limiter is the only producer throttle.
type fifo struct {
	mu    sync.Mutex
	items []*Task
	wake  chan struct{}
}

func newFIFO() *fifo {
	return &fifo{wake: make(chan struct{}, 1)}
}

func (q *fifo) push(t *Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.signal()
}

func (q *fifo) pushFront(t *Task) {
	q.mu.Lock()
	q.items = append([]*Task{t}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *fifo) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *fifo) pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}
