package engine

import "github.com/bamsammich/ferry/internal/queue"

// lookaheadAdapter implements LookaheadProvider over the engine's queue,
// so the chunked transport can poll concurrently with an in-flight
// GetFilePatch call without reaching into engine state.
//
// NextChunked opportunistically runs patch preparation so that by the
// time the transport actually asks for the item, origFile/chunkHashes
// are already open.
type lookaheadAdapter struct {
	e *Engine
}

func newLookaheadAdapter(e *Engine) *lookaheadAdapter {
	return &lookaheadAdapter{e: e}
}

// NextFull returns the next not-yet-queued Full item's remote path.
// Items with MetadataOnly set have no body to look ahead on, so they're
// skipped.
func (l *lookaheadAdapter) NextFull() (string, bool) {
	it := l.e.queue.ScanUnqueued(queue.Full, func(it *queue.Item) bool {
		return !it.MetadataOnly
	})
	if it == nil {
		return "", false
	}
	return it.RemotePath(), true
}

// NextChunked returns the next not-yet-queued Chunked item ready for
// look-ahead patch preparation. If the item has no usable prior file, it
// is flipped to Full in place and the scan continues to the next
// candidate instead of returning it.
// Items whose preparation already failed are skipped outright; their
// sticky prepare_error resolves to a failure when the engine dequeues
// them.
func (l *lookaheadAdapter) NextChunked() (remote, origPath, hashPath string, predictedSize int64, ok bool) {
	for {
		it := l.e.queue.ScanUnqueued(queue.Chunked, func(it *queue.Item) bool {
			return !it.Patch().PrepareError
		})
		if it == nil {
			return "", "", "", 0, false
		}

		fullDL, err := l.e.preparePatchFiles(it)
		if err != nil {
			l.e.logger.Error("look-ahead patch preparation", "remote", it.RemotePath(), "error", err)
		}
		if fullDL {
			l.e.queue.FlipToFull(it)
			it.SetQueued(false)
			continue
		}
		if it.Patch().PrepareError {
			it.SetQueued(false)
			continue
		}

		ph := it.Patch()
		return it.RemotePath(), ph.FilepathOld, ph.HashPath, ph.PredictedSize, true
	}
}

// UnqueueFull clears the look-ahead claim on a Full item, used when the
// transport drops a connection mid-lookahead and must retry later.
func (l *lookaheadAdapter) UnqueueFull(remote string) {
	l.e.queue.UnqueueByRemotePath(queue.Full, remote)
}

// UnqueueChunked clears the look-ahead claim on a Chunked item.
func (l *lookaheadAdapter) UnqueueChunked(remote string) {
	l.e.queue.UnqueueByRemotePath(queue.Chunked, remote)
}

// ResetQueueFull clears every Full item's look-ahead claim, used on
// reconnect (the transport's prior look-ahead state is no longer valid).
func (l *lookaheadAdapter) ResetQueueFull() {
	l.e.queue.ResetQueued(queue.Full)
}

// ResetQueueChunked clears every Chunked item's look-ahead claim.
func (l *lookaheadAdapter) ResetQueueChunked() {
	l.e.queue.ResetQueued(queue.Chunked)
}
