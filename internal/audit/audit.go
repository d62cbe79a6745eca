// Package audit is the append-only record of every privileged relay action.
// One JSON object per line; events are self-describing key/value payloads
// under a fixed action tag. A failed write never aborts the operation that
// produced the event.
package audit

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// Details is the free-form payload attached to an event.
type Details map[string]interface{}

// Log appends events to a single audit stream.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open creates (or re-opens for append) the audit stream at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{path: path, f: f}, nil
}

// Event records one action. The entry is flushed before returning so a
// crash immediately after still leaves the decision on disk. Errors go to
// the process log, not to the caller.
func (l *Log) Event(action string, details Details) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"action":    action,
	}
	for k, v := range details {
		entry[k] = v
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[audit] CRITICAL: marshal failed for %s: %v", action, err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		log.Printf("[audit] CRITICAL: write failed for %s: %v", action, err)
		return
	}
	if err := l.f.Sync(); err != nil {
		log.Printf("[audit] WARNING: sync failed for %s: %v", action, err)
	}
}

// Tail returns up to limit recent entries, skipping lines that fail to
// parse (a torn final line after a crash is expected and harmless).
func (l *Log) Tail(limit int) []map[string]interface{} {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var entries []map[string]interface{}
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			line := raw[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var e map[string]interface{}
			if err := json.Unmarshal(line, &e); err == nil {
				entries = append(entries, e)
			}
		}
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
