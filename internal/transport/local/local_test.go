package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ferry/internal/chunkhash"
	"github.com/bamsammich/ferry/internal/engine"
)

func TestGetFile_ReadsWholeFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o600))

	f := New(root)
	var buf bytes.Buffer
	code, n, err := f.GetFile(context.Background(), "a.txt", &buf, false)
	require.NoError(t, err)
	assert.Equal(t, engine.Success, code)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello world", buf.String())
}

func TestGetFile_MissingFileFails(t *testing.T) {
	f := New(t.TempDir())
	var buf bytes.Buffer
	code, _, err := f.GetFile(context.Background(), "nope.txt", &buf, false)
	assert.Error(t, err)
	assert.Equal(t, engine.BaseDirLost, code)
}

func TestGetFile_MetadataOnlySkipsBody(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o600))

	f := New(root)
	var buf bytes.Buffer
	code, n, err := f.GetFile(context.Background(), "a.txt", &buf, true)
	require.NoError(t, err)
	assert.Equal(t, engine.Success, code)
	assert.Equal(t, int64(0), n)
	assert.Empty(t, buf.Bytes())
}

func TestGetFile_InjectedFault(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o600))

	f := New(root)
	f.Inject("a.txt", Fault{Code: engine.HashMismatch})
	var buf bytes.Buffer
	code, _, _ := f.GetFile(context.Background(), "a.txt", &buf, false)
	assert.Equal(t, engine.HashMismatch, code)

	// fault consumed; next call hits the real file.
	code, n, err := f.GetFile(context.Background(), "a.txt", &buf, false)
	require.NoError(t, err)
	assert.Equal(t, engine.Success, code)
	assert.Equal(t, int64(5), n)
}

func TestGetFilePatch_ReconstructsChangedFile(t *testing.T) {
	clientRoot := t.TempDir()
	oldBody := bytes.Repeat([]byte("A"), 128*1024)
	newBody := append(append([]byte{}, oldBody[:64*1024]...), bytes.Repeat([]byte("B"), 4096)...)
	newBody = append(newBody, oldBody[64*1024:]...)
	require.NoError(t, os.WriteFile(filepath.Join(clientRoot, "big.bin"), newBody, 0o600))

	orig := bytes.NewReader(oldBody)
	sig, err := chunkhash.Compute(bytes.NewReader(oldBody), int64(len(oldBody)))
	require.NoError(t, err)
	var sidecar bytes.Buffer
	require.NoError(t, chunkhash.WriteSignature(&sidecar, sig))

	var patch, hashOutput bytes.Buffer
	f := New(clientRoot)
	code, n, err := f.GetFilePatch(context.Background(), "big.bin", orig, &patch, &sidecar, &hashOutput, int64(len(newBody)))
	require.NoError(t, err)
	assert.Equal(t, engine.Success, code)
	assert.Equal(t, int64(len(newBody)), n)
	assert.Equal(t, newBody, patch.Bytes())

	newSig, err := chunkhash.ReadSignature(&hashOutput)
	require.NoError(t, err)
	assert.Equal(t, int64(len(newBody)), newSig.FileSize)
}

func TestResolveRemote(t *testing.T) {
	cases := []struct {
		in       string
		wantPath string
		wantScr  bool
	}{
		{"srv/file.txt", "srv/file.txt", false},
		{"TOKEN123|srv/file.txt", "srv/file.txt", false},
		{"SCRIPT|srv/check.sh|3|987654321", "srv/check.sh", true},
	}
	for _, c := range cases {
		path, isScript := resolveRemote(c.in)
		assert.Equal(t, c.wantPath, path, c.in)
		assert.Equal(t, c.wantScr, isScript, c.in)
	}
}
