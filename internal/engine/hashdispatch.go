package engine

import (
	"os"

	"github.com/bamsammich/ferry/internal/chunkhash"
	"github.com/bamsammich/ferry/internal/queue"
	"github.com/bamsammich/ferry/internal/tempfile"
)

// dispatchPatchCompletion builds and sends the hash-pipeline record for a
// successful or partially-retained patch transfer, consuming ph's temp
// files: close the body handle, truncate a non-script hashoutput down to
// the expected sidecar size if retries left it longer than that, close
// it, then serialize the record in one message.
func (e *Engine) dispatchPatchCompletion(it *queue.Item, ph *queue.PatchHandles, size int64) {
	rec := HashRecord{
		BackupID:      int32(e.backupID),
		IsIncremental: e.incremental,
		DestPath:      e.destPath(it),
		DestHashPath:  e.destHashPath(it),
		OldFilePath:   ph.FilepathOld,
		FileSize:      size,
		Metadata:      it.Metadata,
	}

	if ph.PatchFile != nil {
		rec.TempPath = ph.PatchFile.Path()
		if err := ph.PatchFile.Keep(); err != nil {
			e.logger.Error("keep patch temp file for hash dispatch", "path", ph.PatchFile.Path(), "error", err)
		}
	}

	if ph.HashOutput != nil {
		if !it.IsScript {
			if err := truncateHashOutput(ph.HashOutput, size); err != nil {
				e.logger.Error("truncate hash output", "path", ph.HashOutput.Path(), "error", err)
			}
		}
		rec.HashOutputPath = ph.HashOutput.Path()
		if err := ph.HashOutput.Keep(); err != nil {
			e.logger.Error("keep hash output temp file for hash dispatch", "path", ph.HashOutput.Path(), "error", err)
		}
	}

	closeOrigAndChunkHashes(ph)

	if err := e.hashPipe.Dispatch(rec); err != nil {
		e.logger.Error("dispatch hash record", "remote", it.RemotePath(), "error", err)
	}
}

// dispatchSalvageCompletion builds and sends the hash-pipeline record for
// the copy-fallback salvage path: the patchfile now begins with the
// size-prefix marker, and hashoutput holds a verbatim copy of the prior
// file's chunk-hash sidecar.
func (e *Engine) dispatchSalvageCompletion(it *queue.Item, ph *queue.PatchHandles, origSize int64) {
	rec := HashRecord{
		BackupID:      int32(e.backupID),
		IsIncremental: e.incremental,
		DestPath:      e.destPath(it),
		DestHashPath:  e.destHashPath(it),
		OldFilePath:   ph.FilepathOld,
		FileSize:      origSize,
		Metadata:      it.Metadata,
	}

	if ph.PatchFile != nil {
		rec.TempPath = ph.PatchFile.Path()
		if err := ph.PatchFile.Keep(); err != nil {
			e.logger.Error("keep salvage patch file", "path", ph.PatchFile.Path(), "error", err)
		}
	}
	if ph.HashOutput != nil {
		rec.HashOutputPath = ph.HashOutput.Path()
		if err := ph.HashOutput.Keep(); err != nil {
			e.logger.Error("keep salvage hash output", "path", ph.HashOutput.Path(), "error", err)
		}
	}

	closeOrigAndChunkHashes(ph)

	if err := e.hashPipe.Dispatch(rec); err != nil {
		e.logger.Error("dispatch salvage hash record", "remote", it.RemotePath(), "error", err)
	}
}

// releasePatchHandles drops every temp file and handle a patch item
// holds, on any failure or drained-offline exit path — every temp file
// allocated during an item's processing must be released on every exit.
// Safe to call on a partially-populated or already-released
// PatchHandles.
func releasePatchHandles(ph *queue.PatchHandles) {
	if ph.PatchFile != nil {
		ph.PatchFile.Discard()
	}
	if ph.HashOutput != nil {
		ph.HashOutput.Discard()
	}
	closeOrigAndChunkHashes(ph)
}

// closeOrigAndChunkHashes closes origFile and chunkHashes, never
// deleting origFile and deleting chunkHashes only if it was a
// synthesized temp owned by this item.
func closeOrigAndChunkHashes(ph *queue.PatchHandles) {
	if ph.OrigFile != nil {
		ph.OrigFile.Close()
		ph.OrigFile = nil
	}
	if ph.ChunkHashes != nil {
		if ph.DeleteChunkHashes {
			name := ph.ChunkHashes.Name()
			ph.ChunkHashes.Close()
			os.Remove(name) //nolint:errcheck // best-effort cleanup of a synthesized temp
		} else {
			ph.ChunkHashes.Close()
		}
		ph.ChunkHashes = nil
	}
}

// truncateHashOutput truncates hashOutput down to
// chunkhash.HashDataSize(size) if it is currently longer: retried
// transfers can leave trailing padding from an earlier, larger attempt.
func truncateHashOutput(hashOutput *tempfile.File, size int64) error {
	want := chunkhash.HashDataSize(size)
	st, err := hashOutput.Stat()
	if err != nil {
		return err
	}
	if st.Size() <= want {
		return nil
	}
	return hashOutput.Truncate(want)
}
