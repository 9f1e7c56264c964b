package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bamsammich/ferry/internal/chunkhash"
	"github.com/bamsammich/ferry/internal/queue"
)

// preparePatchFiles locates the prior-backup copy of an item and its
// chunk-hash sidecar (synthesizing one when the sidecar is absent or
// unusable), and allocates the patch and hash-output temp files. It is
// idempotent via the item-level Prepared/PrepareError bits: callers must
// check those before invoking it again.
//
// fullDL reports "no prior available — fall back to full"; when true,
// the caller must re-enqueue the item as Full and must not treat this as
// an error.
func (e *Engine) preparePatchFiles(it *queue.Item) (fullDL bool, err error) {
	ph := it.Patch()
	if ph.Prepared || ph.PrepareError {
		return false, nil
	}

	shortPath := it.ShortPath()

	origPath, ok := e.locator.FindOrig(shortPath)
	if !ok {
		ph.PrepareError = true
		return true, nil
	}

	hashPath, hasHashes := e.locator.FindChunkHashes(origPath)

	origFile, err := os.Open(origPath)
	if err != nil {
		ph.PrepareError = true
		return false, fmt.Errorf("open prior file %s: %w", origPath, err)
	}

	var chunkHashes *os.File
	deleteChunkHashes := false

	if hasHashes {
		chunkHashes, err = os.Open(hashPath)
		if err != nil {
			hasHashes = false
		} else if mdOnly, merr := chunkhash.IsMetadataOnly(chunkHashes); merr != nil || mdOnly {
			// A placeholder sidecar written for a metadata-only entry
			// carries no usable block hashes; synthesize real ones from
			// the prior file instead.
			chunkHashes.Close()
			chunkHashes = nil
			hasHashes = false
		}
	}

	if !hasHashes {
		synthesized, serr := e.tempFiles.Create(hashPath)
		if serr != nil {
			origFile.Close()
			ph.PrepareError = true
			return false, fmt.Errorf("allocate synthesized sidecar: %w", serr)
		}
		origSize, statErr := fileSize(origFile)
		if statErr != nil {
			origFile.Close()
			synthesized.Discard()
			ph.PrepareError = true
			return false, statErr
		}
		sig, cErr := chunkhash.Compute(origFile, origSize)
		if cErr != nil {
			origFile.Close()
			synthesized.Discard()
			ph.PrepareError = true
			return false, fmt.Errorf("synthesize chunk hashes: %w", cErr)
		}
		if _, err := origFile.Seek(0, 0); err != nil {
			origFile.Close()
			synthesized.Discard()
			ph.PrepareError = true
			return false, err
		}
		if err := chunkhash.WriteSignature(synthesized, sig); err != nil {
			origFile.Close()
			synthesized.Discard()
			ph.PrepareError = true
			return false, fmt.Errorf("write synthesized sidecar: %w", err)
		}
		if _, err := synthesized.Seek(0, 0); err != nil {
			origFile.Close()
			synthesized.Discard()
			ph.PrepareError = true
			return false, err
		}
		chunkHashes = synthesized.File
		deleteChunkHashes = true
	}

	patchFile, err := e.tempFiles.Create("patch")
	if err != nil {
		origFile.Close()
		if deleteChunkHashes {
			os.Remove(chunkHashes.Name())
		} else {
			chunkHashes.Close()
		}
		ph.PrepareError = true
		return false, fmt.Errorf("allocate patch temp file: %w", err)
	}

	hashOutput, err := e.tempFiles.Create("hashoutput")
	if err != nil {
		origFile.Close()
		patchFile.Discard()
		if deleteChunkHashes {
			os.Remove(chunkHashes.Name())
		} else {
			chunkHashes.Close()
		}
		ph.PrepareError = true
		return false, fmt.Errorf("allocate hash-output temp file: %w", err)
	}

	ph.OrigFile = origFile
	ph.PatchFile = patchFile
	ph.ChunkHashes = chunkHashes
	ph.HashOutput = hashOutput
	ph.HashPath = hashPath
	ph.FilepathOld = origPath
	ph.DeleteChunkHashes = deleteChunkHashes
	ph.PredictedSize = it.PredictedSize
	ph.Prepared = true
	return false, nil
}

func fileSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// chunkHashSidecarPath follows the ".hashes" mirrored-subtree
// convention: a file at root/a/b/c gets its sidecar at root/.hashes/a/b/c.
func chunkHashSidecarPath(root, relPath string) string {
	return filepath.Join(root, ".hashes", relPath)
}

// destPath is the item's destination inside the backup tree, derived
// from OSPath + ShortName (CurrentPath/RemoteName derive only the remote
// request string).
func (e *Engine) destPath(it *queue.Item) string {
	return filepath.Join(e.hashRoot, it.ShortPath())
}

// destHashPath is the destination's chunk-hash sidecar under the mirrored
// .hashes subtree.
func (e *Engine) destHashPath(it *queue.Item) string {
	return chunkHashSidecarPath(e.hashRoot, it.ShortPath())
}
