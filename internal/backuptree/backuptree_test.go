package backuptree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ferry/internal/chunkhash"
)

func writeFile(t *testing.T, path string, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestFindOrig_PrefersLastBackupOverComplete(t *testing.T) {
	lastBackup := t.TempDir()
	lastComplete := t.TempDir()
	writeFile(t, filepath.Join(lastBackup, "a/b.txt"), "newer")
	writeFile(t, filepath.Join(lastComplete, "a/b.txt"), "older")

	l := New(lastBackup, lastComplete)
	path, ok := l.FindOrig("a/b.txt")
	require.True(t, ok)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "newer", string(body))
}

func TestFindOrig_FallsBackToComplete(t *testing.T) {
	lastBackup := t.TempDir()
	lastComplete := t.TempDir()
	writeFile(t, filepath.Join(lastComplete, "a/b.txt"), "older")

	l := New(lastBackup, lastComplete)
	path, ok := l.FindOrig("a/b.txt")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(lastComplete, "a/b.txt"), path)
}

func TestFindOrig_NeitherExists(t *testing.T) {
	l := New(t.TempDir(), t.TempDir())
	_, ok := l.FindOrig("missing.txt")
	assert.False(t, ok)
}

func writeSidecar(t *testing.T, path string, sig chunkhash.Signature) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, chunkhash.WriteSignature(f, sig))
	require.NoError(t, f.Close())
}

func TestFindChunkHashes_Usable(t *testing.T) {
	lastBackup := t.TempDir()
	origPath := filepath.Join(lastBackup, "a/b.txt")
	writeFile(t, origPath, "data")
	sidecar := filepath.Join(lastBackup, ".hashes", "a/b.txt")
	writeSidecar(t, sidecar, chunkhash.Signature{BlockSize: 512, FileSize: 4})

	l := New(lastBackup, "")
	path, ok := l.FindChunkHashes(origPath)
	require.True(t, ok)
	assert.Equal(t, sidecar, path)
}

func TestFindChunkHashes_MetadataOnlyTreatedAsUnusable(t *testing.T) {
	lastBackup := t.TempDir()
	origPath := filepath.Join(lastBackup, "a/b.txt")
	writeFile(t, origPath, "data")
	writeSidecar(t, filepath.Join(lastBackup, ".hashes", "a/b.txt"),
		chunkhash.Signature{BlockSize: 512, FileSize: 4, MetadataOnly: true})

	l := New(lastBackup, "")
	_, ok := l.FindChunkHashes(origPath)
	assert.False(t, ok)
}

func TestFindChunkHashes_ForeignDataTreatedAsUnusable(t *testing.T) {
	lastBackup := t.TempDir()
	origPath := filepath.Join(lastBackup, "a/b.txt")
	writeFile(t, origPath, "data")
	writeFile(t, filepath.Join(lastBackup, ".hashes", "a/b.txt"), "not a sidecar at all")

	l := New(lastBackup, "")
	_, ok := l.FindChunkHashes(origPath)
	assert.False(t, ok)
}

func TestFindChunkHashes_AbsentTreatedAsUnusable(t *testing.T) {
	lastBackup := t.TempDir()
	origPath := filepath.Join(lastBackup, "a/b.txt")
	writeFile(t, origPath, "data")

	l := New(lastBackup, "")
	_, ok := l.FindChunkHashes(origPath)
	assert.False(t, ok)
}

func TestFindChunkHashes_EmptyTreatedAsUnusable(t *testing.T) {
	lastBackup := t.TempDir()
	origPath := filepath.Join(lastBackup, "a/b.txt")
	writeFile(t, origPath, "data")
	writeFile(t, filepath.Join(lastBackup, ".hashes", "a/b.txt"), "")

	l := New(lastBackup, "")
	_, ok := l.FindChunkHashes(origPath)
	assert.False(t, ok)
}
