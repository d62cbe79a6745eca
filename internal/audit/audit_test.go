package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	l.Event("BUY_REQUESTED", Details{"worker": "vega", "amount_sol": 0.5})
	l.Event("SELL_REQUESTED", Details{"worker": "vega", "percent": 50.0})
	l.Event("AGENT_RELEASED", Details{"worker": "vega"})

	entries := l.Tail(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "SELL_REQUESTED", entries[0]["action"])
	assert.Equal(t, "AGENT_RELEASED", entries[1]["action"])
	assert.NotEmpty(t, entries[1]["timestamp"])
}

func TestTailTolerantOfTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	l.Event("RELAY_STARTED", Details{"addr": ":8787"})

	// Simulate a crash mid-write: a truncated JSON object on the last line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"action":"BUY_REQ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries := l.Tail(10)
	require.Len(t, entries, 1)
	assert.Equal(t, "RELAY_STARTED", entries[0]["action"])
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := Open(path)
	require.NoError(t, err)
	l.Event("RELAY_STARTED", Details{})
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	l2.Event("RELAY_STARTED", Details{})

	assert.Len(t, l2.Tail(10), 2)
}
