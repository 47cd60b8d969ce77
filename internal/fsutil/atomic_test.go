package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicCreatesAndPreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", ".env.local")

	require.NoError(t, WriteFileAtomic(path, []byte("A=1\n")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A=1\n", string(data))

	require.NoError(t, os.Chmod(path, 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("A=2\n")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriteIfChangedSkipsIdenticalContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.py")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0o644))

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(path, past, past))

	wrote, err := WriteIfChanged(path, []byte("same"))
	require.NoError(t, err)
	assert.False(t, wrote)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past))

	wrote, err = WriteIfChanged(path, []byte("different"))
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestWriteIfChangedCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.txt")
	wrote, err := WriteIfChanged(path, []byte("x"))
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestTouchDoesNotCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "next.config.js")
	require.Error(t, Touch(path, time.Now()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(path, []byte("module.exports = {}\n"), 0o644))
	at := time.Now().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, Touch(path, at))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(at))
}

func TestIsText(t *testing.T) {
	assert.True(t, IsText([]byte("const a = 1;")))
	assert.False(t, IsText([]byte{0x89, 'P', 'N', 'G', 0x00}))
}
