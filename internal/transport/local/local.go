// Package local provides a filesystem-backed stand-in for the client
// file-transfer protocol: a FullTransport and ChunkedTransport pair that
// read from a directory tree playing the role of "the client's current
// files," for tests and the cmd/ferry demo harness. It is explicitly not
// a reimplementation of the real client/server wire protocol — just
// enough to drive the engine end to end.
package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bamsammich/ferry/internal/chunkhash"
	"github.com/bamsammich/ferry/internal/engine"
)

// Fault lets a test script a transport result for one remote path,
// instead of the fixture's default (always succeed if the file exists).
type Fault struct {
	Code  engine.ResultCode
	Err   error
	Count int // number of calls this fault applies to before falling through; 0 counts as 1
}

// Fixture plays both FullTransport and ChunkedTransport against one
// directory tree, both ends of a local-to-local run.
type Fixture struct {
	root    string
	limiter *rate.Limiter

	mu          sync.Mutex
	faults      map[string][]Fault
	lookaheadOn bool
	lookahead   engine.LookaheadProvider
}

// Option configures a Fixture.
type Option func(*Fixture)

// WithBandwidthLimit caps aggregate read throughput; 0 disables the cap.
func WithBandwidthLimit(bytesPerSec int64) Option {
	return func(f *Fixture) {
		if bytesPerSec <= 0 {
			return
		}
		burst := 1 << 20
		if bytesPerSec < int64(burst) {
			burst = int(bytesPerSec)
		}
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
}

// WithLookahead enables SupportsLookahead, so an engine with a protocol
// version that supports it will register the look-ahead capability.
func WithLookahead() Option {
	return func(f *Fixture) { f.lookaheadOn = true }
}

// New returns a Fixture rooted at root, the directory standing in for the
// client's current filesystem.
func New(root string, opts ...Option) *Fixture {
	f := &Fixture{root: root, faults: make(map[string][]Fault)}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Inject queues a fault to be returned the next time remote is requested
// (the next Count times, when Count > 1), instead of the fixture's
// default filesystem-backed behavior.
func (f *Fixture) Inject(remote string, fault Fault) {
	f.mu.Lock()
	f.faults[remote] = append(f.faults[remote], fault)
	f.mu.Unlock()
}

func (f *Fixture) takeFault(remote string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.faults[remote]
	if len(q) == 0 {
		return Fault{}, false
	}
	fault := q[0]
	if fault.Count > 1 {
		q[0].Count--
	} else {
		f.faults[remote] = q[1:]
	}
	return fault, true
}

// GetFile implements engine.FullTransport.
func (f *Fixture) GetFile(ctx context.Context, remote string, dst io.Writer, metadataOnly bool) (engine.ResultCode, int64, error) {
	if fault, ok := f.takeFault(remote); ok {
		return fault.Code, 0, fault.Err
	}

	path, _ := resolveRemote(remote)
	abs := filepath.Join(f.root, path)

	if _, err := os.Stat(abs); err != nil {
		return engine.BaseDirLost, 0, fmt.Errorf("stat %s: %w", abs, err)
	}
	if metadataOnly {
		return engine.Success, 0, nil
	}

	src, err := os.Open(abs)
	if err != nil {
		return engine.TransportError, 0, fmt.Errorf("open %s: %w", abs, err)
	}
	defer src.Close()

	n, err := io.Copy(dst, f.throttle(ctx, src))
	if err != nil {
		return engine.TransportError, n, fmt.Errorf("read %s: %w", abs, err)
	}
	return engine.Success, n, nil
}

// GetFilePatch implements engine.ChunkedTransport: it reads the current
// client-side content of remote, matches it against the prior signature
// in chunkHashes, and reconstructs the new file into patch by copying
// matched blocks from orig and writing the rest as literal data, using
// the rsync-style block matching of internal/chunkhash.Match/Apply, run
// against the file as it exists "on the client" rather than as it
// existed in the prior backup. The new sidecar written to hashOutput is
// computed with chunkhash.Compute over the new content.
func (f *Fixture) GetFilePatch(ctx context.Context, remote string, orig io.ReadSeeker, patch io.Writer,
	chunkHashes io.Reader, hashOutput io.Writer, predictedSize int64) (engine.ResultCode, int64, error) {
	if fault, ok := f.takeFault(remote); ok {
		return fault.Code, 0, fault.Err
	}

	path, _ := resolveRemote(remote)
	abs := filepath.Join(f.root, path)

	src, err := os.Open(abs)
	if err != nil {
		return engine.BaseDirLost, 0, fmt.Errorf("open %s: %w", abs, err)
	}
	defer src.Close()

	newData, err := io.ReadAll(f.throttle(ctx, src))
	if err != nil {
		return engine.TransportError, 0, fmt.Errorf("read %s: %w", abs, err)
	}

	sig, err := chunkhash.ReadSignature(chunkHashes)
	if err != nil {
		sig = chunkhash.Signature{} // no usable prior signature: everything is literal
	}

	ops, err := chunkhash.Match(bytes.NewReader(newData), sig)
	if err != nil {
		return engine.TransportError, 0, fmt.Errorf("match %s: %w", abs, err)
	}
	if err := chunkhash.Apply(orig, ops, patch); err != nil {
		return engine.TransportError, 0, fmt.Errorf("apply %s: %w", abs, err)
	}

	newSig, err := chunkhash.Compute(bytes.NewReader(newData), int64(len(newData)))
	if err != nil {
		return engine.TransportError, 0, fmt.Errorf("compute new signature for %s: %w", abs, err)
	}
	if err := chunkhash.WriteSignature(hashOutput, newSig); err != nil {
		return engine.TransportError, 0, fmt.Errorf("write new signature for %s: %w", abs, err)
	}

	return engine.Success, int64(len(newData)), nil
}

// SupportsLookahead implements engine.ChunkedTransport.
func (f *Fixture) SupportsLookahead() bool { return f.lookaheadOn }

// RegisterLookahead implements engine.ChunkedTransport. The fixture
// doesn't run a background poller goroutine — a real transport polls
// NextFull/NextChunked from its own connection-handling goroutines; this
// stand-in just exposes the capability object for tests to drive
// directly.
func (f *Fixture) RegisterLookahead(p engine.LookaheadProvider) {
	f.mu.Lock()
	f.lookahead = p
	f.mu.Unlock()
}

// Lookahead returns the registered LookaheadProvider, if any, so test
// code and the demo CLI can exercise it directly.
func (f *Fixture) Lookahead() engine.LookaheadProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookahead
}

func (f *Fixture) throttle(ctx context.Context, r io.Reader) io.Reader {
	if f.limiter == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, r: r, limiter: f.limiter}
}

// rateLimitedReader throttles reads against a shared token bucket.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := rl.r.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// resolveRemote strips the wrapping the engine applies to a wire path —
// the SCRIPT|path|incnum|nonce envelope, or a bare session-token prefix —
// and reports whether it was a script invocation. The fixture only ever
// needs the underlying relative path to look a file up on disk.
func resolveRemote(remote string) (path string, isScript bool) {
	if strings.HasPrefix(remote, "SCRIPT|") {
		parts := strings.SplitN(remote, "|", 4)
		if len(parts) >= 2 {
			return parts[1], true
		}
	}
	if idx := strings.IndexByte(remote, '|'); idx >= 0 {
		return remote[idx+1:], false
	}
	return remote, false
}
