package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertOnlyFile checks that no temporary files were left next to path.
func assertOnlyFile(t *testing.T, path string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(path), entries[0].Name())
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "token")

	require.NoError(t, WriteFile(path, []byte("first"), 0o600))
	require.NoError(t, WriteFile(path, []byte("second"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assertOnlyFile(t, path)
}

func TestWriteFileIntoDirectoryFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.Mkdir(path, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(path, "inner"), nil, 0o600))

	assert.Error(t, WriteFile(path, []byte("data"), 0o600))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	require.NoError(t, CreateFile(path, []byte("original"), 0o600))
	err := CreateFile(path, []byte("replacement"), 0o600)
	assert.ErrorIs(t, err, fs.ErrExist)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assertOnlyFile(t, path)
}
