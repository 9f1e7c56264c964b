package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/platform"
	"github.com/bamsammich/ferry/internal/queue"
)

// runPatchTransfer executes a differential pull against the prepared
// prior-backup inputs. The bool return mirrors runFullTransfer's "still
// online" signal: false means the caller must latch offline.
func (e *Engine) runPatchTransfer(ctx context.Context, it *queue.Item) bool {
	remote := it.RemotePath()
	ph := it.Patch()

	if !ph.Prepared && !ph.PrepareError {
		fullDL, err := e.preparePatchFiles(it)
		if err != nil {
			e.logger.Error("prepare patch files", "remote", remote, "error", err)
		}
		if fullDL {
			// No prior available — recycle the item as a Full transfer at
			// the front of the queue. The re-enqueued item carries its own
			// bookkeeping on its next dequeue, so this dequeue itself
			// counts as success.
			it.Mode = queue.Full
			if err := e.queue.EnqueueFull(ctx, it, true); err != nil {
				e.logger.Error("re-enqueue as full", "remote", remote, "error", err)
			}
			return true
		}
	}

	if ph.PrepareError {
		e.failedIDs.Add(it.ID)
		e.queue.MarkNotOK()
		e.metrics.RecordFailed()
		e.emit(event.TransferFailed, it.ID, remote, 0, fmt.Errorf("patch preparation failed"))
		return true // preparation failure is sticky, not a transport escalation
	}

	wire := e.translateRemotePath(it)
	e.emit(event.TransferStarted, it.ID, remote, 0, nil)

	var code ResultCode
	var written int64
	var transportErr error

	for attempt := 0; attempt <= e.cfg.HashMismatchRetries; attempt++ {
		code, written, transportErr = e.chunked.GetFilePatch(
			ctx, wire, ph.OrigFile, ph.PatchFile, ph.ChunkHashes, ph.HashOutput, ph.PredictedSize)
		if code != HashMismatch || attempt == e.cfg.HashMismatchRetries {
			break
		}
		if err := e.reallocatePatchOutputs(ph); err != nil {
			transportErr = err
			break
		}
	}

	if written < 0 {
		// A nonsense size from the transport reverts to the predicted one.
		written = ph.PredictedSize
	}

	if code == Success && transportErr == nil {
		return e.completePatchTransfer(ctx, it, ph, written)
	}

	return e.failPatchTransfer(it, ph, code, written)
}

// reallocatePatchOutputs discards and reallocates the patch and
// hash-output temp files, then rewinds the prior file and its sidecar,
// so a HASH_MISMATCH retry starts from clean outputs.
func (e *Engine) reallocatePatchOutputs(ph *queue.PatchHandles) error {
	ph.PatchFile.Discard()
	ph.HashOutput.Discard()

	patchFile, err := e.tempFiles.Create("patch")
	if err != nil {
		return fmt.Errorf("reallocate patch temp file: %w", err)
	}
	hashOutput, err := e.tempFiles.Create("hashoutput")
	if err != nil {
		patchFile.Discard()
		return fmt.Errorf("reallocate hash-output temp file: %w", err)
	}
	ph.PatchFile = patchFile
	ph.HashOutput = hashOutput

	if _, err := ph.OrigFile.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind orig file: %w", err)
	}
	if _, err := ph.ChunkHashes.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind chunk hashes: %w", err)
	}
	return nil
}

// completePatchTransfer handles the success path: same completion shape
// as a full transfer, with hashoutput riding along as the new chunk-hash
// sidecar.
func (e *Engine) completePatchTransfer(ctx context.Context, it *queue.Item, ph *queue.PatchHandles, size int64) bool {
	remote := it.RemotePath()

	if it.IsScript {
		if ok := e.fetchScriptOutput(ctx, it); !ok {
			releasePatchHandles(ph)
			e.failedIDs.Add(it.ID)
			e.queue.MarkNotOK()
			e.metrics.RecordScriptFailed()
			e.emit(event.ScriptFailed, it.ID, remote, size, nil)
			return false
		}
	}

	e.queue.AdvanceMaxOKID(it.ID)
	e.dispatchPatchCompletion(it, ph, size)
	e.metrics.RecordOK(size)
	e.emit(event.TransferOK, it.ID, remote, size, nil)
	return true
}

// failPatchTransfer classifies a failed pull: salvage for BASE_DIR_LOST,
// partial retention for the transient codes, plain failure otherwise,
// plus offline escalation.
func (e *Engine) failPatchTransfer(it *queue.Item, ph *queue.PatchHandles, code ResultCode, size int64) bool {
	remote := it.RemotePath()
	e.queue.MarkNotOK()

	if code == BaseDirLost && e.cfg.SaveIncompleteFile {
		if e.salvageLinkOrCopy(it, ph) {
			e.partialIDs.Add(it.ID)
			e.queue.AdvanceMaxOKID(it.ID)
			e.metrics.RecordPartial(size)
			e.emit(event.TransferPartial, it.ID, remote, size, nil)
		} else {
			releasePatchHandles(ph)
			e.failedIDs.Add(it.ID)
			e.metrics.RecordFailed()
			e.emit(event.TransferFailed, it.ID, remote, size, fmt.Errorf("salvage failed after %s", code))
		}
		return !code.escalatesOfflinePatch()
	}

	if code.patchRetainsPartial() && e.cfg.SaveIncompleteFile && size > 0 {
		e.partialIDs.Add(it.ID)
		e.queue.AdvanceMaxOKID(it.ID)
		e.dispatchPatchCompletion(it, ph, size)
		e.metrics.RecordPartial(size)
		e.emit(event.TransferPartial, it.ID, remote, size, nil)
		return !code.escalatesOfflinePatch()
	}

	releasePatchHandles(ph)
	e.failedIDs.Add(it.ID)
	e.metrics.RecordFailed()
	e.emit(event.TransferFailed, it.ID, remote, size, fmt.Errorf("patch transfer failed: %s", code))
	return !code.escalatesOfflinePatch()
}

// salvageLinkOrCopy carries the prior-backup copy forward into the new
// backup when a chunked transfer cannot proceed. It tries a
// hardlink/reflink pair first; on failure it falls back to a byte copy
// with the size-prefix marker the hasher recognizes. Reports whether the
// prior file was successfully carried forward.
func (e *Engine) salvageLinkOrCopy(it *queue.Item, ph *queue.PatchHandles) bool {
	remote := it.RemotePath()
	dstPath := e.destPath(it)
	dstSidecar := e.destHashPath(it)

	link := platform.LinkOrReflinkPair
	if e.cfg.PreferReflink {
		link = platform.LinkOrReflinkPairPreferReflink
	}

	// Salvage is the one path where the engine itself writes into the
	// destination tree, so it has to create the parent directories the
	// hash pipeline would otherwise own.
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		e.logger.Error("salvage: create destination dir", "remote", remote, "error", err)
		return e.salvageViaCopy(it, ph)
	}
	if err := os.MkdirAll(filepath.Dir(dstSidecar), 0o755); err != nil {
		e.logger.Error("salvage: create sidecar dir", "remote", remote, "error", err)
		return e.salvageViaCopy(it, ph)
	}

	if err := link(dstPath, ph.FilepathOld, dstSidecar, ph.HashPath); err == nil {
		// The linked sidecar is assumed to already be valid, so no new
		// hash record is dispatched here. Unclear whether that holds when
		// the prior backup was itself partial — candidate for future
		// verification.
		releasePatchHandles(ph)
		e.logger.Info("salvaged via link", "remote", remote, "orig", ph.FilepathOld)
		return true
	}

	return e.salvageViaCopy(it, ph)
}

// salvageViaCopy is the byte-copy fallback: delete any partial
// destination, write the prior file's size as an 8-byte little-endian
// prefix into patchfile, copy the prior chunk-hash file into hashoutput,
// and dispatch a hash-pipeline record referencing both.
func (e *Engine) salvageViaCopy(it *queue.Item, ph *queue.PatchHandles) bool {
	remote := it.RemotePath()

	if err := os.Remove(e.destPath(it)); err != nil && !os.IsNotExist(err) {
		e.logger.Error("salvage: remove partial destination", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}

	origSize, err := fileSize(ph.OrigFile)
	if err != nil {
		e.logger.Error("salvage: stat orig file", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}

	if err := ph.PatchFile.Rewind(); err != nil {
		e.logger.Error("salvage: rewind patch file", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(origSize))
	if _, err := ph.PatchFile.Write(prefix[:]); err != nil {
		e.logger.Error("salvage: write size prefix", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}

	if err := ph.HashOutput.Rewind(); err != nil {
		e.logger.Error("salvage: rewind hash output", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}
	chunkHashSize, err := fileSize(ph.ChunkHashes)
	if err != nil {
		e.logger.Error("salvage: stat chunk hashes", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}
	if _, err := platform.CopyFile(platform.CopyFileParams{
		DstFd:   ph.HashOutput.File,
		SrcPath: ph.ChunkHashes.Name(),
		SrcSize: chunkHashSize,
	}); err != nil {
		e.logger.Error("salvage: copy chunk hashes", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}
	if _, err := ph.HashOutput.Seek(0, 0); err != nil {
		e.logger.Error("salvage: seek hash output", "remote", remote, "error", err)
		releasePatchHandles(ph)
		return false
	}

	e.dispatchSalvageCompletion(it, ph, origSize)
	return true
}
