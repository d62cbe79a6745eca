package gate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
)

const testSecret = "test-spawn-secret"

func newTestVerifier(t *testing.T, secret string) (*Verifier, string) {
	t.Helper()
	root := t.TempDir()
	log, err := audit.Open(filepath.Join(root, "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return NewVerifier(secret, root, log), root
}

func writeGate(t *testing.T, root, worker string, a artifact) {
	t.Helper()
	dir := filepath.Join(root, worker)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, GateFile), raw, 0o644))
}

func validArtifact(worker string, expires time.Time) artifact {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	expiresAt := expires.UTC().Format(time.RFC3339)
	return artifact{
		AuthorizedBy: identity.Apex,
		Agent:        worker,
		Timestamp:    timestamp,
		ExpiresAt:    expiresAt,
		Signature:    Sign([]byte(testSecret), worker, timestamp, expiresAt),
	}
}

func TestVerifyValidGate(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	writeGate(t, root, "vega", validArtifact("vega", time.Now().Add(time.Hour)))

	assert.True(t, v.Verify("vega"))
}

func TestVerifyApexAlwaysAuthorized(t *testing.T) {
	v, _ := newTestVerifier(t, testSecret)
	assert.True(t, v.Verify(identity.Apex))
}

func TestVerifyMissingGate(t *testing.T) {
	v, _ := newTestVerifier(t, testSecret)
	assert.False(t, v.Verify("vega"))
}

func TestVerifyExpiredGate(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	writeGate(t, root, "vega", validArtifact("vega", time.Now().Add(-time.Minute)))

	assert.False(t, v.Verify("vega"))
}

func TestVerifyTamperedSignature(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	a := validArtifact("vega", time.Now().Add(time.Hour))
	a.Signature = Sign([]byte("wrong-secret"), a.Agent, a.Timestamp, a.ExpiresAt)
	writeGate(t, root, "vega", a)

	assert.False(t, v.Verify("vega"))
}

func TestVerifyWrongIssuer(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	a := validArtifact("vega", time.Now().Add(time.Hour))
	a.AuthorizedBy = "lyra"
	a.Signature = Sign([]byte(testSecret), a.Agent, a.Timestamp, a.ExpiresAt)
	writeGate(t, root, "vega", a)

	assert.False(t, v.Verify("vega"))
}

func TestVerifySubjectMismatch(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	// Valid gate for lyra dropped into vega's workspace must not authorize vega.
	a := validArtifact("lyra", time.Now().Add(time.Hour))
	writeGate(t, root, "vega", a)

	assert.False(t, v.Verify("vega"))
}

func TestVerifyMissingSecretFailsClosed(t *testing.T) {
	v, root := newTestVerifier(t, "")
	writeGate(t, root, "vega", validArtifact("vega", time.Now().Add(time.Hour)))

	assert.False(t, v.Verify("vega"))
}

func TestVerifyNonWhitelistedWorker(t *testing.T) {
	v, _ := newTestVerifier(t, testSecret)
	assert.False(t, v.Verify("intruder"))
}

func TestCacheInvalidatedByMtimeChange(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	writeGate(t, root, "vega", validArtifact("vega", time.Now().Add(time.Hour)))
	require.True(t, v.Verify("vega"))

	// Revoke by corrupting the artifact. The rewrite changes mtime, so the
	// cached positive verdict must not survive.
	gatePath := filepath.Join(root, "vega", GateFile)
	require.NoError(t, os.WriteFile(gatePath, []byte(`{"revoked":true}`), 0o644))
	bumpMtime(t, gatePath)

	assert.False(t, v.Verify("vega"))
}

func TestCacheServesRepeatVerdicts(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	writeGate(t, root, "vega", validArtifact("vega", time.Now().Add(time.Hour)))

	require.True(t, v.Verify("vega"))
	// Second call hits the cache; same mtime, same verdict.
	assert.True(t, v.Verify("vega"))
}

func TestVerifyAfterReissue(t *testing.T) {
	v, root := newTestVerifier(t, testSecret)
	writeGate(t, root, "vega", validArtifact("vega", time.Now().Add(-time.Minute)))
	require.False(t, v.Verify("vega"))

	writeGate(t, root, "vega", validArtifact("vega", time.Now().Add(time.Hour)))
	bumpMtime(t, filepath.Join(root, "vega", GateFile))

	assert.True(t, v.Verify("vega"))
}

// bumpMtime forces a visibly different mtime even on coarse filesystem
// timestamp resolution.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}
