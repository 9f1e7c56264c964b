// Package backuptree implements engine.PriorFileLocator over a pair of
// on-disk backup trees: the immediately-prior backup and the
// last-known-complete one. Lookups search the former first, falling back
// to the latter only when the immediately-prior backup itself never
// reached a given file (e.g. it was interrupted).
package backuptree

import (
	"os"
	"path/filepath"

	"github.com/bamsammich/ferry/internal/chunkhash"
)

// Locator resolves a short (local) path against two backup roots.
type Locator struct {
	lastBackup         string
	lastBackupComplete string
}

// New returns a Locator. lastBackupComplete may be empty if no complete
// backup exists yet (first run, or retention purged it); lookups then
// only ever consult lastBackup.
func New(lastBackup, lastBackupComplete string) *Locator {
	return &Locator{lastBackup: lastBackup, lastBackupComplete: lastBackupComplete}
}

// FindOrig implements engine.PriorFileLocator: try lastBackup, then
// lastBackupComplete, in that order.
func (l *Locator) FindOrig(shortPath string) (string, bool) {
	if l.lastBackup != "" {
		if p, ok := existingFile(filepath.Join(l.lastBackup, shortPath)); ok {
			return p, true
		}
	}
	if l.lastBackupComplete != "" {
		if p, ok := existingFile(filepath.Join(l.lastBackupComplete, shortPath)); ok {
			return p, true
		}
	}
	return "", false
}

// FindChunkHashes locates the chunk-hash sidecar beside origPath, under
// the ".hashes" subtree mirroring origPath's position within whichever
// backup root it was found in. A sidecar that is empty, unreadable, or
// tagged as a metadata-only placeholder is treated as absent, so callers
// synthesize one instead of trusting stale placeholder hashes.
func (l *Locator) FindChunkHashes(origPath string) (string, bool) {
	root, rel, ok := l.rootAndRel(origPath)
	if !ok {
		return "", false
	}
	sidecar := filepath.Join(root, ".hashes", rel)
	info, err := os.Stat(sidecar)
	if err != nil || info.Size() == 0 {
		return sidecar, false
	}

	f, err := os.Open(sidecar)
	if err != nil {
		return sidecar, false
	}
	defer f.Close()
	mdOnly, err := chunkhash.IsMetadataOnly(f)
	if err != nil || mdOnly {
		return sidecar, false
	}
	return sidecar, true
}

// rootAndRel reports which configured root origPath lives under, and its
// path relative to that root.
func (l *Locator) rootAndRel(origPath string) (root, rel string, ok bool) {
	for _, candidate := range []string{l.lastBackup, l.lastBackupComplete} {
		if candidate == "" {
			continue
		}
		if r, err := filepath.Rel(candidate, origPath); err == nil && !isOutsideRoot(r) {
			return candidate, r, true
		}
	}
	return "", "", false
}

func isOutsideRoot(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == "../"
}

func existingFile(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}
