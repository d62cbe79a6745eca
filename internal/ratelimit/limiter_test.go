package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
)

func newTestLimiter(t *testing.T, tradeMax, readMax int, window time.Duration) *Limiter {
	t.Helper()
	log, err := audit.Open(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return New(tradeMax, window, readMax, window, log)
}

func TestAllowUpToCapThenReject(t *testing.T) {
	l := newTestLimiter(t, 5, 30, time.Hour)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("vega", Trade, "BUY"), "request %d should be admitted", i+1)
	}
	assert.False(t, l.Allow("vega", Trade, "BUY"), "6th request should be rejected")
}

func TestWindowExpiry(t *testing.T) {
	l := newTestLimiter(t, 2, 30, time.Minute)

	base := time.Now()
	l.now = func() time.Time { return base }
	require.True(t, l.Allow("vega", Trade, "BUY"))
	require.True(t, l.Allow("vega", Trade, "BUY"))
	require.False(t, l.Allow("vega", Trade, "BUY"))

	// Advance past the window; the old stamps are pruned.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, l.Allow("vega", Trade, "BUY"))
}

func TestApexNeverLimited(t *testing.T) {
	l := newTestLimiter(t, 1, 1, time.Hour)

	for i := 0; i < 20; i++ {
		assert.True(t, l.Allow(identity.Apex, Trade, "BUY"))
		assert.True(t, l.Allow(identity.Apex, Read, "WALLET_STATUS"))
	}
}

func TestClassesIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, 3, time.Hour)

	require.True(t, l.Allow("vega", Trade, "BUY"))
	require.False(t, l.Allow("vega", Trade, "BUY"))

	// Exhausting the trade bucket leaves the read bucket untouched.
	assert.True(t, l.Allow("vega", Read, "WALLET_STATUS"))
	assert.True(t, l.Allow("vega", Read, "WALLET_STATUS"))
	assert.True(t, l.Allow("vega", Read, "WALLET_STATUS"))
	assert.False(t, l.Allow("vega", Read, "WALLET_STATUS"))
}

func TestWorkersIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, 1, time.Hour)

	require.True(t, l.Allow("vega", Trade, "BUY"))
	require.False(t, l.Allow("vega", Trade, "BUY"))

	assert.True(t, l.Allow("lyra", Trade, "BUY"))
}
