// Package local provides a fixture implementation of engine.ClientControl
// — the out-of-band RPC channel to the backup client used for shadow-copy
// control and script-stderr retrieval. A real implementation speaks the
// client/server wire protocol; this one answers in-process for tests and
// the cmd/ferry demo.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ScriptResult is the canned reply a script remote path should produce
// when its stderr is requested: "err" | "" | "<retcode> <lines>".
type ScriptResult struct {
	Retcode int
	Lines   []string
	Err     error // when set, ScriptStderr returns this error instead
}

// Control is an in-memory stand-in for the client control channel.
type Control struct {
	supportsMetadataStream bool

	mu        sync.Mutex
	snapshots []string
	scripts   map[string]ScriptResult
	ended     bool
	endToken  string
}

// New returns a Control that answers every shadow-copy RPC with DONE
// immediately and has no script results registered. supportsMetadataStream
// controls whether InformMetadataStreamEnd is expected to ever be
// called.
func New(supportsMetadataStream bool) *Control {
	return &Control{
		supportsMetadataStream: supportsMetadataStream,
		scripts:                make(map[string]ScriptResult),
	}
}

// SetScriptResult registers what ScriptStderr should return for a given
// (already-wrapped) remote path, matching the SCRIPT|path|incnum|nonce
// envelope the engine sends verbatim.
func (c *Control) SetScriptResult(remote string, result ScriptResult) {
	c.mu.Lock()
	c.scripts[remote] = result
	c.mu.Unlock()
}

// SendAndWait implements engine.ClientControl. It recognizes "START SC"
// and "STOP SC" commands and records them; any other command is answered
// the same way, since this fixture has no real client state machine to
// violate.
func (c *Control) SendAndWait(ctx context.Context, command, expect string, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	if strings.HasPrefix(command, "START SC") || strings.HasPrefix(command, "STOP SC") {
		c.snapshots = append(c.snapshots, command)
	}
	c.mu.Unlock()

	if expect != "DONE" {
		return fmt.Errorf("local clientctl: unexpected expect %q", expect)
	}
	return nil
}

// ScriptStderr implements engine.ClientControl.
func (c *Control) ScriptStderr(_ context.Context, remote string) (string, error) {
	c.mu.Lock()
	res, ok := c.scripts[remote]
	c.mu.Unlock()

	if !ok {
		// No script was registered for this remote: treat it as a clean
		// exit, the common case for a demo run that isn't testing script
		// failure handling.
		return "0 ", nil
	}
	if res.Err != nil {
		return "", res.Err
	}
	return fmt.Sprintf("%d %s", res.Retcode, strings.Join(res.Lines, "\n")), nil
}

// InformMetadataStreamEnd implements engine.ClientControl.
func (c *Control) InformMetadataStreamEnd(_ context.Context, token string) error {
	c.mu.Lock()
	c.ended = true
	c.endToken = token
	c.mu.Unlock()
	return nil
}

// SupportsMetadataStream implements engine.ClientControl.
func (c *Control) SupportsMetadataStream() bool { return c.supportsMetadataStream }

// Snapshots returns every START/STOP SC command sent so far, for test
// assertions.
func (c *Control) Snapshots() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.snapshots...)
}

// MetadataStreamEnded reports whether InformMetadataStreamEnd was called,
// and with what token.
func (c *Control) MetadataStreamEnded() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended, c.endToken
}
