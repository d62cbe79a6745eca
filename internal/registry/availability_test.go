package registry

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

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := audit.Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	path := filepath.Join(dir, "agent_availability.json")
	return New(path, log), path
}

func TestSeededIdle(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap := r.Snapshot()
	assert.Len(t, snap.Workers, len(identity.Dispatchable()))
	for name, w := range snap.Workers {
		assert.Equal(t, "idle", w.Status, "worker %s", name)
	}
	// Apex is never a dispatch target.
	_, tracked := snap.Workers[identity.Apex]
	assert.False(t, tracked)
}

func TestMarkBusyAndIdle(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.MarkBusy("vega", identity.RoleScout, "scan launches"))
	assert.True(t, r.Busy("vega"))

	w := r.Snapshot().Workers["vega"]
	assert.Equal(t, "busy", w.Status)
	assert.Equal(t, identity.RoleScout, w.Role)
	assert.Equal(t, "scan launches", w.Assignment)
	require.NotNil(t, w.AssignedAt)
	assert.Nil(t, w.LastHeartbeat, "non-manager gets no heartbeat clock")

	prev, err := r.MarkIdle("vega")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleScout, prev.Role)
	assert.False(t, r.Busy("vega"))
}

func TestMarkBusyRejectsBusyWorker(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.MarkBusy("vega", identity.RoleTrader, "first position"))
	err := r.MarkBusy("vega", identity.RoleScout, "second position")
	assert.ErrorIs(t, err, ErrBusy)

	// The losing assignment leaves the winner untouched.
	w := r.Snapshot().Workers["vega"]
	assert.Equal(t, identity.RoleTrader, w.Role)
	assert.Equal(t, "first position", w.Assignment)
}

func TestMarkIdleIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	prev, err := r.MarkIdle("vega")
	require.NoError(t, err)
	assert.Equal(t, "idle", prev.Status)
}

func TestUntrackedWorker(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.ErrorIs(t, r.MarkBusy("intruder", identity.RoleScout, "x"), ErrUntracked)
	_, err := r.MarkIdle("intruder")
	assert.ErrorIs(t, err, ErrUntracked)
	_, err = r.Heartbeat("intruder")
	assert.ErrorIs(t, err, ErrUntracked)
}

func TestHeartbeatManagerOnly(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.MarkBusy("vega", identity.RoleScout, "scan"))
	_, err := r.Heartbeat("vega")
	assert.ErrorIs(t, err, ErrNotManager)

	require.NoError(t, r.MarkBusy("lyra", identity.RoleManager, "oversee"))
	ts, err := r.Heartbeat("lyra")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
}

func TestManagerGetsInitialHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.MarkBusy("lyra", identity.RoleManager, "oversee"))
	w := r.Snapshot().Workers["lyra"]
	require.NotNil(t, w.LastHeartbeat, "timeout clock starts at assignment")
}

func TestTimeoutSweep(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.MarkBusy("lyra", identity.RoleManager, "oversee"))
	require.NoError(t, r.MarkBusy("vega", identity.RoleScout, "scan"))

	// Nothing is stale within a generous horizon.
	assert.Empty(t, r.TimeoutSweep(time.Hour))

	// A zero horizon makes any elapsed time stale. Only the manager is
	// released; the scout has no heartbeat clock.
	released := r.TimeoutSweep(0)
	assert.Equal(t, []string{"lyra"}, released)
	assert.False(t, r.Busy("lyra"))
	assert.True(t, r.Busy("vega"))
}

func TestSnapshotFileValidJSON(t *testing.T) {
	r, path := newTestRegistry(t)

	require.NoError(t, r.MarkBusy("vega", identity.RoleScout, "scan"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, "busy", snap.Workers["vega"].Status)
}

func TestSnapshotIsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap := r.Snapshot()
	snap.Workers["vega"] = Worker{Status: "busy"}

	assert.False(t, r.Busy("vega"), "mutating a snapshot must not touch the registry")
}
