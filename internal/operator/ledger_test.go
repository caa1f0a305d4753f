package operator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	ledger, err := OpenLedger(path)
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	later := Entry{JobID: uuid.New(), AgentID: uuid.New(), Command: "uptime", SubmittedAt: base.Add(time.Minute)}
	earlier := Entry{JobID: uuid.New(), AgentID: uuid.New(), Command: "whoami", SubmittedAt: base}
	require.NoError(t, ledger.Record(later))
	require.NoError(t, ledger.Record(earlier))

	require.NoError(t, ledger.MarkCompleted(earlier.JobID, 3, base.Add(2*time.Minute)))
	assert.ErrorIs(t, ledger.MarkCompleted(uuid.New(), 0, base), ErrNotInLedger)

	_, err = ledger.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotInLedger)
	require.NoError(t, ledger.Close())

	// Entries survive reopening.
	ledger, err = OpenLedger(path)
	require.NoError(t, err)
	defer ledger.Close()

	entries, err := ledger.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, earlier.JobID, entries[0].JobID)
	assert.Equal(t, later.JobID, entries[1].JobID)

	require.NotNil(t, entries[0].ExitCode)
	assert.Equal(t, 3, *entries[0].ExitCode)
	require.NotNil(t, entries[0].CompletedAt)
	assert.True(t, base.Add(2*time.Minute).Equal(*entries[0].CompletedAt))
	assert.Nil(t, entries[1].ExitCode)
}

func TestLedgerMarkRejected(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	now := time.Now().UTC().Truncate(time.Second)
	e := Entry{JobID: uuid.New(), AgentID: uuid.New(), Command: "id", SubmittedAt: now, JobSignature: []byte{1, 2, 3}}
	require.NoError(t, ledger.Record(e))

	require.NoError(t, ledger.MarkRejected(e.JobID, "untrusted operator", now))
	require.NoError(t, ledger.MarkRejected(e.JobID, "decryption failed", now.Add(time.Minute)))
	assert.ErrorIs(t, ledger.MarkRejected(uuid.New(), "x", now), ErrNotInLedger)

	got, err := ledger.Get(e.JobID)
	require.NoError(t, err)
	assert.Equal(t, "untrusted operator", got.RejectReason)
	assert.Nil(t, got.ExitCode)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, now.Equal(*got.CompletedAt))
	assert.Equal(t, []byte{1, 2, 3}, got.JobSignature)
}
