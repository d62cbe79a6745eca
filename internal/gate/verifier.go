// Package gate verifies the signed authorization artifacts that permit a
// worker to perform write operations through the relay. A gate is a small
// JSON file in the worker's workspace, HMAC-signed by operator tooling with
// a secret this process shares but never writes.
package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
)

const (
	// GateFile is the artifact name inside each worker workspace.
	GateFile = ".spawn_gate"

	cacheTTL = 60 * time.Second
)

// artifact is the on-disk shape. All fields are required.
type artifact struct {
	AuthorizedBy string `json:"authorized_by"`
	Agent        string `json:"agent"`
	Timestamp    string `json:"timestamp"`
	ExpiresAt    string `json:"expires_at"`
	Signature    string `json:"signature"`
}

// verdict is a cached decision, keyed by the gate file's mtime so that
// issuing or revoking a gate invalidates the cache immediately.
type verdict struct {
	authorized bool
	mtime      int64
}

// Verifier checks gates. It never returns an error: every failure mode is
// "unauthorized", and I/O or parse failures are cached like any other
// negative verdict.
type Verifier struct {
	secret []byte
	root   string
	cache  *gocache.Cache
	log    *audit.Log
	now    func() time.Time
}

// NewVerifier builds a verifier rooted at the workspace directory that
// holds one subdirectory per worker. An empty secret makes every non-apex
// check fail closed.
func NewVerifier(secret, root string, auditLog *audit.Log) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		root:   root,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		log:    auditLog,
		now:    time.Now,
	}
}

// Verify reports whether worker currently holds a valid gate.
func (v *Verifier) Verify(worker string) bool {
	if identity.IsApex(worker) {
		return true
	}

	if len(v.secret) == 0 {
		v.log.Event("GATE_FAIL_CLOSED", audit.Details{
			"worker": worker,
			"reason": "spawn_secret_missing",
		})
		return false
	}

	if !identity.Whitelisted(worker) {
		return false
	}

	path := filepath.Join(v.root, worker, GateFile)
	mtime := fileMtime(path)

	if cached, ok := v.cache.Get(worker); ok {
		if vd := cached.(verdict); vd.mtime == mtime {
			return vd.authorized
		}
	}

	authorized := v.check(worker, path)
	v.cache.Set(worker, verdict{authorized: authorized, mtime: mtime}, cacheTTL)
	return authorized
}

// check performs the full verification against the artifact on disk.
func (v *Verifier) check(worker, path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var a artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		log.Printf("[gate] parse error for %s: %v", worker, err)
		return false
	}
	if a.AuthorizedBy == "" || a.Agent == "" || a.Timestamp == "" || a.ExpiresAt == "" || a.Signature == "" {
		return false
	}
	if a.AuthorizedBy != identity.Apex || a.Agent != worker {
		return false
	}

	expires, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil {
		return false
	}
	if !v.now().Before(expires) {
		return false
	}

	return hmac.Equal([]byte(a.Signature), []byte(Sign(v.secret, a.Agent, a.Timestamp, a.ExpiresAt)))
}

// Sign computes the gate signature over agent|timestamp|expires_at. Shared
// with tests and the operator issuance tool.
func Sign(secret []byte, agent, timestamp, expiresAt string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(agent + "|" + timestamp + "|" + expiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}

func fileMtime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}
