package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/queue"
	"github.com/bamsammich/ferry/internal/tempfile"
)

const maxHashMismatchRetries = 5

// discardWriter is used for metadata-only items, which transfer no body
// and open no local file.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// runFullTransfer executes a whole-file pull. The bool return is the
// "still online" signal: false means the transport has failed in a way
// that makes further attempts pointless, and the caller must latch
// offline.
func (e *Engine) runFullTransfer(ctx context.Context, it *queue.Item) bool {
	remote := it.RemotePath()
	wire := e.translateRemotePath(it)
	e.emit(event.TransferStarted, it.ID, remote, 0, nil)

	var tmp *tempfile.File
	var dst io.Writer = discardWriter{}
	if !it.MetadataOnly {
		tf, err := e.tempFiles.Create("full")
		if err != nil {
			e.failedIDs.Add(it.ID)
			e.queue.MarkNotOK()
			e.emit(event.TransferFailed, it.ID, remote, 0, err)
			return true // allocation failure is not a transport escalation
		}
		tmp = tf
		dst = tf
	}

	var code ResultCode
	var written int64
	var transportErr error

	for attempt := 0; attempt <= e.cfg.HashMismatchRetries; attempt++ {
		code, written, transportErr = e.full.GetFile(ctx, wire, dst, it.MetadataOnly)
		if code != HashMismatch || attempt == e.cfg.HashMismatchRetries {
			break
		}
		if tmp != nil {
			if err := tmp.Rewind(); err != nil {
				transportErr = fmt.Errorf("rewind after hash mismatch: %w", err)
				break
			}
		}
	}

	if code == Success && transportErr == nil {
		return e.completeFullTransfer(ctx, it, tmp, written)
	}

	return e.failFullTransfer(it, tmp, code, written)
}

// completeFullTransfer handles the success path: script check, max-ok-id
// advance, hash dispatch.
func (e *Engine) completeFullTransfer(ctx context.Context, it *queue.Item, tmp *tempfile.File, size int64) bool {
	remote := it.RemotePath()

	if it.IsScript {
		if ok := e.fetchScriptOutput(ctx, it); !ok {
			if tmp != nil {
				tmp.Discard()
			}
			e.failedIDs.Add(it.ID)
			e.queue.MarkNotOK()
			e.metrics.RecordScriptFailed()
			e.emit(event.ScriptFailed, it.ID, remote, size, nil)
			return false
		}
	}

	e.queue.AdvanceMaxOKID(it.ID)

	if !it.MetadataOnly {
		e.dispatchFullCompletion(it, tmp, size)
	}

	e.metrics.RecordOK(size)
	e.emit(event.TransferOK, it.ID, remote, size, nil)
	return true
}

// failFullTransfer classifies a failed pull: partial retention for
// transient errors that left bytes behind, plain failure otherwise, plus
// offline escalation.
func (e *Engine) failFullTransfer(it *queue.Item, tmp *tempfile.File, code ResultCode, size int64) bool {
	remote := it.RemotePath()
	e.queue.MarkNotOK()

	retain := code.fullRetainsPartial() && e.cfg.SaveIncompleteFile && tmp != nil && size > 0 && !it.MetadataOnly
	if retain {
		e.partialIDs.Add(it.ID)
		e.queue.AdvanceMaxOKID(it.ID)
		e.dispatchFullCompletion(it, tmp, size)
		e.metrics.RecordPartial(size)
		e.emit(event.TransferPartial, it.ID, remote, size, nil)
	} else {
		if tmp != nil {
			tmp.Discard()
		}
		e.failedIDs.Add(it.ID)
		e.metrics.RecordFailed()
		e.emit(event.TransferFailed, it.ID, remote, size, fmt.Errorf("transfer failed: %s", code))
	}

	if it.IsScript {
		// Any transport failure on a script item is terminal, regardless
		// of code: the script already ran on the client, and its output
		// is unrecoverable.
		return false
	}
	return !code.escalatesOfflineFull()
}

// dispatchFullCompletion builds and sends the hash-pipeline record for a
// full transfer, consuming tmp. The prior-backup sibling, when one
// exists, rides along as a reflink source hint for the hasher.
func (e *Engine) dispatchFullCompletion(it *queue.Item, tmp *tempfile.File, size int64) {
	oldFile, _ := e.locator.FindOrig(it.ShortPath())

	rec := HashRecord{
		BackupID:      int32(e.backupID),
		IsIncremental: e.incremental,
		DestPath:      e.destPath(it),
		DestHashPath:  e.destHashPath(it),
		OldFilePath:   oldFile,
		FileSize:      size,
		Metadata:      it.Metadata,
	}
	if tmp != nil {
		rec.TempPath = tmp.Path()
		if err := tmp.Keep(); err != nil {
			e.logger.Error("keep temp file for hash dispatch", "path", tmp.Path(), "error", err)
		}
	}
	if err := e.hashPipe.Dispatch(rec); err != nil {
		e.logger.Error("dispatch hash record", "remote", it.RemotePath(), "error", err)
	}
}
