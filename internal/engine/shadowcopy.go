package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/queue"
)

// snapshotTimeout bounds how long the engine waits for the client's
// shadow-copy acknowledgement.
const snapshotTimeout = 30 * time.Minute

// runStartSnapshot and runStopSnapshot drive the client's shadow-copy
// lifecycle. Failures are logged and counted but never latch offline:
// they run on the engine goroutine and naturally serialize with
// transfers, but a stalled shadow-copy RPC says nothing about the
// transport's health.
func (e *Engine) runStartSnapshot(ctx context.Context, it *queue.Item) {
	e.emit(event.SnapshotStarted, queue.NoID, it.SnapshotPath, 0, nil)
	e.sendSnapshotControl(ctx, it.SnapshotPath, e.scCommand("START SC", it.SnapshotPath))
}

func (e *Engine) runStopSnapshot(ctx context.Context, it *queue.Item) {
	e.sendSnapshotControl(ctx, it.SnapshotPath, e.scCommand("STOP SC", it.SnapshotPath))
}

// scCommand builds a START SC / STOP SC command. The session-token
// suffix is omitted when no token is configured.
func (e *Engine) scCommand(verb, path string) string {
	if e.sessionToken == "" {
		return fmt.Sprintf("%s %q", verb, path)
	}
	return fmt.Sprintf("%s %q#token=%s", verb, path, e.sessionToken)
}

func (e *Engine) sendSnapshotControl(ctx context.Context, path, command string) {
	cctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	if err := e.control.SendAndWait(cctx, command, "DONE", snapshotTimeout); err != nil {
		e.logger.Error("shadow-copy control failed", "command", command, "error", err)
		e.metrics.RecordSnapshotFailed()
		e.emit(event.SnapshotFailed, queue.NoID, path, 0, err)
		return
	}
	e.emit(event.SnapshotDone, queue.NoID, path, 0, nil)
}
