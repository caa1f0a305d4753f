package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	_, ok, err := LoadRegistration(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	reg := Registration{AgentID: uuid.New(), Token: "token-value"}
	require.NoError(t, SaveRegistration(dir, reg))

	raw, err := os.ReadFile(filepath.Join(dir, agentIDFile))
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	info, err := os.Stat(filepath.Join(dir, tokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, ok, err := LoadRegistration(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reg, got)
}

func TestCorruptAgentID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, agentIDFile), []byte("not-sixteen"), 0o600))

	_, _, err := LoadRegistration(dir)
	assert.ErrorIs(t, err, ErrStateIO)
}

func TestAgentIDWithoutToken(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()
	require.NoError(t, os.WriteFile(filepath.Join(dir, agentIDFile), id[:], 0o600))

	_, ok, err := LoadRegistration(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMachineIDNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, MachineID())
}
