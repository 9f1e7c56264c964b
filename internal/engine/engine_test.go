package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ferry/internal/chunkhash"
	"github.com/bamsammich/ferry/internal/queue"
)

// fullResult is one canned response for fakeFull.GetFile, consumed in order.
type fullResult struct {
	code ResultCode
	body []byte
	err  error
}

type fakeFull struct {
	results []fullResult
	calls   int
}

func (f *fakeFull) GetFile(_ context.Context, _ string, dst io.Writer, _ bool) (ResultCode, int64, error) {
	r := f.results[f.calls]
	f.calls++
	if len(r.body) > 0 {
		if _, err := dst.Write(r.body); err != nil {
			return r.code, 0, err
		}
	}
	return r.code, int64(len(r.body)), r.err
}

// chunkedResult is one canned response for fakeChunked.GetFilePatch.
type chunkedResult struct {
	code ResultCode
	body []byte
}

type fakeChunked struct {
	results      []chunkedResult
	calls        int
	lookahead    LookaheadProvider
	supportsLook bool
}

func (f *fakeChunked) GetFilePatch(_ context.Context, _ string, _ io.ReadSeeker, patch io.Writer,
	_ io.Reader, _ io.Writer, predictedSize int64) (ResultCode, int64, error) {
	r := f.results[f.calls]
	f.calls++
	if len(r.body) > 0 {
		if _, err := patch.Write(r.body); err != nil {
			return r.code, 0, err
		}
	}
	size := int64(len(r.body))
	if size == 0 {
		size = predictedSize
	}
	return r.code, size, nil
}

func (f *fakeChunked) SupportsLookahead() bool               { return f.supportsLook }
func (f *fakeChunked) RegisterLookahead(p LookaheadProvider) { f.lookahead = p }

// fakeControl answers every control RPC immediately.
type fakeControl struct {
	scriptReply string
	scriptErr   error
	commands    []string
}

func (c *fakeControl) SendAndWait(_ context.Context, command, _ string, _ time.Duration) error {
	c.commands = append(c.commands, command)
	return nil
}
func (c *fakeControl) ScriptStderr(context.Context, string) (string, error) {
	return c.scriptReply, c.scriptErr
}
func (c *fakeControl) InformMetadataStreamEnd(context.Context, string) error { return nil }
func (c *fakeControl) SupportsMetadataStream() bool                         { return false }

// fakeLocator serves a single prior file/sidecar pair, or nothing.
type fakeLocator struct {
	origPath, hashPath string
	hasOrig, hasHashes bool
}

func (l *fakeLocator) FindOrig(string) (string, bool) { return l.origPath, l.hasOrig }
func (l *fakeLocator) FindChunkHashes(string) (string, bool) {
	return l.hashPath, l.hasHashes
}

type fakeHashPipe struct {
	recs []HashRecord
}

func (h *fakeHashPipe) Dispatch(rec HashRecord) error {
	h.recs = append(h.recs, rec)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, full FullTransport, chunked ChunkedTransport, locator PriorFileLocator, hp HashPipe) (*Engine, string) {
	t.Helper()
	hashRoot := t.TempDir()
	tempDir := t.TempDir()
	control := &fakeControl{scriptReply: ""}
	e, err := New(1, true, hashRoot, tempDir, DefaultConfig(), Collaborators{
		Full:     full,
		Chunked:  chunked,
		Control:  control,
		Locator:  locator,
		HashPipe: hp,
	}, testLogger(), nil)
	require.NoError(t, err)
	return e, hashRoot
}

func runToCompletion(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("engine did not finish in time")
	}
}

// Scenario 1: happy full.
func TestEngine_HappyFull(t *testing.T) {
	full := &fakeFull{results: []fullResult{{code: Success, body: make([]byte, 100)}}}
	hp := &fakeHashPipe{}
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, hp)

	require.NoError(t, e.Queue().EnqueueFull(context.Background(), &queue.Item{
		ID: 1, RemoteName: "file.txt", ShortName: "file.txt", CurrentPath: "srv", OSPath: "dst", PredictedSize: 100,
	}, false))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.Equal(t, 0, e.failedIDs.Len())
	assert.Equal(t, 0, e.partialIDs.Len())
	assert.Equal(t, int64(1), e.queue.MaxOKID())
	require.Len(t, hp.recs, 1)
	assert.Equal(t, int64(100), hp.recs[0].FileSize)
}

// Scenario 2: hash-mismatch retry, bounded, eventually succeeds.
func TestEngine_HashMismatchRetrySucceeds(t *testing.T) {
	full := &fakeFull{results: []fullResult{
		{code: HashMismatch, body: []byte("xx")},
		{code: HashMismatch, body: []byte("xx")},
		{code: Success, body: []byte("full-body")},
	}}
	hp := &fakeHashPipe{}
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, hp)

	require.NoError(t, e.Queue().EnqueueFull(context.Background(), &queue.Item{
		ID: 1, RemoteName: "file.txt", ShortName: "file.txt", CurrentPath: "srv", OSPath: "dst", PredictedSize: 100,
	}, false))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.Equal(t, 3, full.calls, "must retry exactly up to the mismatch count, no more")
	assert.Equal(t, 0, e.failedIDs.Len())
	assert.Equal(t, 0, e.partialIDs.Len())
	require.Len(t, hp.recs, 1)
	assert.Equal(t, int64(len("full-body")), hp.recs[0].FileSize)
}

func TestEngine_HashMismatchRetryBounded(t *testing.T) {
	results := make([]fullResult, maxHashMismatchRetries+1)
	for i := range results {
		results[i] = fullResult{code: HashMismatch}
	}
	full := &fakeFull{results: results}
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, &fakeHashPipe{})

	require.NoError(t, e.Queue().EnqueueFull(context.Background(), &queue.Item{
		ID: 1, RemoteName: "file.txt", ShortName: "file.txt", CurrentPath: "srv", OSPath: "dst", PredictedSize: 100,
	}, false))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.LessOrEqual(t, full.calls, maxHashMismatchRetries+1)
	assert.Equal(t, 1, e.failedIDs.Len())
}

// Scenario 3: partial save on TIMEOUT, engine goes offline afterward.
func TestEngine_PartialSaveOnTimeout(t *testing.T) {
	full := &fakeFull{results: []fullResult{{code: Timeout, body: make([]byte, 50)}}}
	hp := &fakeHashPipe{}
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, hp)

	require.NoError(t, e.Queue().EnqueueFull(context.Background(), &queue.Item{
		ID: 7, RemoteName: "file.txt", ShortName: "file.txt", CurrentPath: "srv", OSPath: "dst", PredictedSize: 100,
	}, false))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.True(t, e.partialIDs.Has(7))
	assert.False(t, e.failedIDs.Has(7))
	assert.Equal(t, int64(7), e.queue.MaxOKID())
	assert.False(t, e.queue.AllOK())
	assert.True(t, e.queue.IsOffline())
	require.Len(t, hp.recs, 1)
	assert.Equal(t, int64(50), hp.recs[0].FileSize)
}

// Scenario 4: chunked item with no prior anywhere falls back to full at
// the front of the queue and still resolves as one success.
func TestEngine_ChunkedFallsBackToFull(t *testing.T) {
	full := &fakeFull{results: []fullResult{{code: Success, body: []byte("whole file")}}}
	locator := &fakeLocator{hasOrig: false}
	hp := &fakeHashPipe{}
	e, _ := newTestEngine(t, full, &fakeChunked{}, locator, hp)

	require.NoError(t, e.Queue().EnqueueChunked(context.Background(), &queue.Item{
		ID: 3, RemoteName: "file.txt", ShortName: "file.txt", CurrentPath: "srv", OSPath: "dst", PredictedSize: 100,
	}))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.Equal(t, 0, e.failedIDs.Len())
	assert.Equal(t, 0, e.partialIDs.Len())
	assert.Equal(t, int64(3), e.queue.MaxOKID())
	require.Len(t, hp.recs, 1)
}

// Scenario 5: BASE_DIR_LOST salvages the prior file via hardlink; no new
// hash-pipe record is produced (the prior's own sidecar is reused).
func TestEngine_LinkSalvageOnBaseDirLost(t *testing.T) {
	priorDir := t.TempDir()
	origPath := filepath.Join(priorDir, "orig.bin")
	require.NoError(t, os.WriteFile(origPath, []byte("previous backup bytes"), 0o600))

	hashPath := filepath.Join(priorDir, "orig.bin.hashes")
	hf, err := os.Create(hashPath)
	require.NoError(t, err)
	require.NoError(t, chunkhash.WriteSignature(hf, chunkhash.Signature{BlockSize: 512, FileSize: 22}))
	require.NoError(t, hf.Close())

	locator := &fakeLocator{origPath: origPath, hasOrig: true, hashPath: hashPath, hasHashes: true}
	chunked := &fakeChunked{results: []chunkedResult{{code: BaseDirLost}}}
	hp := &fakeHashPipe{}
	e, hashRoot := newTestEngine(t, &fakeFull{}, chunked, locator, hp)
	e.cfg.PreferReflink = false // deterministic: hardlink attempted first

	require.NoError(t, e.Queue().EnqueueChunked(context.Background(), &queue.Item{
		ID: 9, RemoteName: "file.bin", ShortName: "file.bin", CurrentPath: "srv", OSPath: "dst", PredictedSize: 100,
	}))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.True(t, e.partialIDs.Has(9))
	assert.False(t, e.failedIDs.Has(9))
	assert.Empty(t, hp.recs, "salvage via link reuses the prior's sidecar in place")

	linked, err := os.ReadFile(filepath.Join(hashRoot, "dst", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, "previous backup bytes", string(linked))

	sidecar, err := os.ReadFile(chunkHashSidecarPath(hashRoot, "dst/file.bin"))
	require.NoError(t, err)
	assert.NotEmpty(t, sidecar)
}

// Scenario 6: a script item that transfers fine but reports a non-zero
// exit code is classified as a failure and the engine goes offline.
func TestEngine_ScriptFailure(t *testing.T) {
	full := &fakeFull{results: []fullResult{{code: Success, body: []byte("#!/bin/sh\n")}}}
	hp := &fakeHashPipe{}
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, hp)
	e.control = &fakeControl{scriptReply: "3 line1\nline2"}

	require.NoError(t, e.Queue().EnqueueFull(context.Background(), &queue.Item{
		ID: 5, RemoteName: "check.sh", ShortName: "check.sh", CurrentPath: "srv", OSPath: "dst", PredictedSize: 10, IsScript: true,
	}, false))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.True(t, e.failedIDs.Has(5))
	assert.False(t, e.partialIDs.Has(5))
	assert.True(t, e.queue.IsOffline())
}

// Preparation is idempotent — a second call on a prepared item must not
// reopen or reallocate anything.
func TestEngine_PreparePatchFilesIdempotent(t *testing.T) {
	priorDir := t.TempDir()
	origPath := filepath.Join(priorDir, "orig.bin")
	require.NoError(t, os.WriteFile(origPath, []byte("prior contents"), 0o600))

	locator := &fakeLocator{origPath: origPath, hasOrig: true}
	e, _ := newTestEngine(t, &fakeFull{}, &fakeChunked{}, locator, &fakeHashPipe{})

	it := &queue.Item{ID: 1, RemoteName: "file.bin", ShortName: "file.bin", OSPath: "dst", PredictedSize: 14}
	fullDL, err := e.preparePatchFiles(it)
	require.NoError(t, err)
	require.False(t, fullDL)

	ph := it.Patch()
	require.True(t, ph.Prepared)
	origFile, patchFile, hashOutput := ph.OrigFile, ph.PatchFile, ph.HashOutput

	fullDL, err = e.preparePatchFiles(it)
	require.NoError(t, err)
	require.False(t, fullDL)
	assert.Same(t, origFile, ph.OrigFile)
	assert.Same(t, patchFile, ph.PatchFile)
	assert.Same(t, hashOutput, ph.HashOutput)

	releasePatchHandles(ph)
}

// Look-ahead on a chunked item with no prior flips it to Full in place
// and keeps scanning instead of handing it to the transport.
func TestEngine_LookaheadFlipsChunkedToFull(t *testing.T) {
	locator := &fakeLocator{hasOrig: false}
	e, _ := newTestEngine(t, &fakeFull{}, &fakeChunked{}, locator, &fakeHashPipe{})

	it := &queue.Item{ID: 1, RemoteName: "file.bin", ShortName: "file.bin", PredictedSize: 64}
	require.NoError(t, e.Queue().EnqueueChunked(context.Background(), it))
	require.Equal(t, 4, e.Queue().Weight())

	_, _, _, _, ok := e.lookahead.NextChunked()
	assert.False(t, ok)
	assert.Equal(t, queue.Full, it.Mode)
	assert.Equal(t, 1, e.Queue().Weight(), "flip adjusts queue_weight by the mode gap")
	assert.False(t, it.Queued(), "flipped item stays available for the Full scan")

	remote, ok := e.lookahead.NextFull()
	require.True(t, ok)
	assert.Equal(t, "file.bin", remote)
}

// Look-ahead on a chunked item with a usable prior pre-opens its handles.
func TestEngine_LookaheadPreparesChunked(t *testing.T) {
	priorDir := t.TempDir()
	origPath := filepath.Join(priorDir, "orig.bin")
	require.NoError(t, os.WriteFile(origPath, []byte("prior contents"), 0o600))

	locator := &fakeLocator{origPath: origPath, hasOrig: true}
	e, _ := newTestEngine(t, &fakeFull{}, &fakeChunked{}, locator, &fakeHashPipe{})

	it := &queue.Item{ID: 1, RemoteName: "file.bin", ShortName: "file.bin", PredictedSize: 64}
	require.NoError(t, e.Queue().EnqueueChunked(context.Background(), it))

	remote, gotOrig, _, predicted, ok := e.lookahead.NextChunked()
	require.True(t, ok)
	assert.Equal(t, "file.bin", remote)
	assert.Equal(t, origPath, gotOrig)
	assert.Equal(t, int64(64), predicted)
	assert.True(t, it.Queued())
	assert.True(t, it.Patch().Prepared)

	// A second scan must not hand out the same claimed item.
	_, _, _, _, ok = e.lookahead.NextChunked()
	assert.False(t, ok)

	releasePatchHandles(it.Patch())
}

// Once a transfer latches offline, remaining full items drain as failures
// without any further transport attempts.
func TestEngine_OfflineDrainsRemainingItems(t *testing.T) {
	full := &fakeFull{results: []fullResult{{code: Timeout}}} // no body: hard failure, escalates
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, &fakeHashPipe{})

	ctx := context.Background()
	require.NoError(t, e.Queue().EnqueueFull(ctx, &queue.Item{
		ID: 1, RemoteName: "a.txt", ShortName: "a.txt", PredictedSize: 10,
	}, false))
	require.NoError(t, e.Queue().EnqueueFull(ctx, &queue.Item{
		ID: 2, RemoteName: "b.txt", ShortName: "b.txt", PredictedSize: 10,
	}, false))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.Equal(t, 1, full.calls, "no transport attempt after offline latches")
	assert.True(t, e.failedIDs.Has(1))
	assert.True(t, e.failedIDs.Has(2))
	assert.True(t, e.queue.IsOffline())
	assert.False(t, e.queue.AllOK())
}

// A Skip control item jumps the queue and drains everything behind it.
func TestEngine_SkipDrainsRun(t *testing.T) {
	full := &fakeFull{} // must never be called
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, &fakeHashPipe{})

	ctx := context.Background()
	require.NoError(t, e.Queue().EnqueueFull(ctx, &queue.Item{
		ID: 1, RemoteName: "a.txt", ShortName: "a.txt", PredictedSize: 10,
	}, false))
	e.Queue().EnqueueSkip()
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.Equal(t, 0, full.calls)
	assert.True(t, e.failedIDs.Has(1))
	assert.False(t, e.queue.AllOK())
}

// Chunked transfer interrupted by CONN_LOST with bytes already in the
// patchfile retains a partial and still dispatches a hash record.
func TestEngine_PatchPartialOnConnLost(t *testing.T) {
	priorDir := t.TempDir()
	origPath := filepath.Join(priorDir, "orig.bin")
	require.NoError(t, os.WriteFile(origPath, []byte("prior contents"), 0o600))

	locator := &fakeLocator{origPath: origPath, hasOrig: true}
	chunked := &fakeChunked{results: []chunkedResult{{code: ConnLost, body: []byte("partial bytes already got")}}}
	hp := &fakeHashPipe{}
	e, _ := newTestEngine(t, &fakeFull{}, chunked, locator, hp)

	require.NoError(t, e.Queue().EnqueueChunked(context.Background(), &queue.Item{
		ID: 4, RemoteName: "file.bin", ShortName: "file.bin", OSPath: "dst", PredictedSize: 100,
	}))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.True(t, e.partialIDs.Has(4))
	assert.False(t, e.failedIDs.Has(4))
	assert.Equal(t, int64(4), e.queue.MaxOKID())
	assert.True(t, e.queue.IsOffline())
	require.Len(t, hp.recs, 1)
	assert.NotEmpty(t, hp.recs[0].TempPath)
	assert.NotEmpty(t, hp.recs[0].HashOutputPath)
}

// Snapshot control items serialize with transfers on the engine
// goroutine and carry the quoted-path, token-suffixed command format.
func TestEngine_SnapshotControlCommands(t *testing.T) {
	e, _ := newTestEngine(t, &fakeFull{}, &fakeChunked{}, nil, &fakeHashPipe{})
	ctrl := &fakeControl{}
	e.control = ctrl
	e.SetSessionToken("tok42")

	ctx := context.Background()
	require.NoError(t, e.Queue().EnqueueStartSnapshot(ctx, "/vol/data"))
	require.NoError(t, e.Queue().EnqueueStopSnapshot(ctx, "/vol/data"))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	require.Len(t, ctrl.commands, 2)
	assert.Equal(t, `START SC "/vol/data"#token=tok42`, ctrl.commands[0])
	assert.Equal(t, `STOP SC "/vol/data"#token=tok42`, ctrl.commands[1])
	assert.True(t, e.queue.AllOK(), "snapshot control never affects all_ok")
}

// Script remote paths carry the SCRIPT|base|incnum|nonce envelope with the
// nonce drawn from the configured source.
func TestEngine_ScriptRemotePathWrapping(t *testing.T) {
	e, _ := newTestEngine(t, &fakeFull{}, &fakeChunked{}, nil, &fakeHashPipe{})
	e.SetNonceSource(func() int64 { return 987654321 })

	it := &queue.Item{RemoteName: "check.sh", CurrentPath: "srv", IsScript: true, IncrementalNum: 3}
	assert.Equal(t, "SCRIPT|srv/check.sh|3|987654321", e.translateRemotePath(it))

	e.SetSessionToken("tok42")
	plain := &queue.Item{RemoteName: "file.txt", CurrentPath: "srv"}
	assert.Equal(t, "tok42|srv/file.txt", e.translateRemotePath(plain))
}

// A script item whose transport call itself fails is terminal even for
// codes that would not normally escalate a full transfer offline.
func TestEngine_ScriptTransportFailureLatchesOffline(t *testing.T) {
	full := &fakeFull{results: []fullResult{{code: ConnLost}}}
	e, _ := newTestEngine(t, full, &fakeChunked{}, nil, &fakeHashPipe{})

	require.NoError(t, e.Queue().EnqueueFull(context.Background(), &queue.Item{
		ID: 6, RemoteName: "check.sh", ShortName: "check.sh", CurrentPath: "srv", OSPath: "dst", PredictedSize: 10, IsScript: true,
	}, false))
	e.Queue().EnqueueQuit(false)

	runToCompletion(t, e)

	assert.True(t, e.failedIDs.Has(6))
	assert.True(t, e.queue.IsOffline())
}

// A prior sidecar tagged as a metadata-only placeholder is discarded and
// real block hashes are synthesized from the prior file.
func TestEngine_PrepareSynthesizesOverMetadataOnlySidecar(t *testing.T) {
	priorDir := t.TempDir()
	origPath := filepath.Join(priorDir, "orig.bin")
	require.NoError(t, os.WriteFile(origPath, []byte("prior contents"), 0o600))

	hashPath := filepath.Join(priorDir, "orig.bin.hashes")
	hf, err := os.Create(hashPath)
	require.NoError(t, err)
	require.NoError(t, chunkhash.WriteSignature(hf, chunkhash.Signature{BlockSize: 512, FileSize: 14, MetadataOnly: true}))
	require.NoError(t, hf.Close())

	locator := &fakeLocator{origPath: origPath, hasOrig: true, hashPath: hashPath, hasHashes: true}
	e, _ := newTestEngine(t, &fakeFull{}, &fakeChunked{}, locator, &fakeHashPipe{})

	it := &queue.Item{ID: 1, RemoteName: "file.bin", ShortName: "file.bin", OSPath: "dst", PredictedSize: 14}
	fullDL, err := e.preparePatchFiles(it)
	require.NoError(t, err)
	require.False(t, fullDL)

	ph := it.Patch()
	require.True(t, ph.Prepared)
	assert.True(t, ph.DeleteChunkHashes, "placeholder sidecar must be replaced by a synthesized temp")

	sig, err := chunkhash.ReadSignature(ph.ChunkHashes)
	require.NoError(t, err)
	assert.False(t, sig.MetadataOnly)
	assert.NotEmpty(t, sig.Blocks)
	_, err = ph.ChunkHashes.Seek(0, 0)
	require.NoError(t, err)

	releasePatchHandles(ph)
}
