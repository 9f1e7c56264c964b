// Package tempfile manages the lifetime of scratch files the engine
// allocates while preparing or receiving a transfer: patch outputs, hash
// sidecars, and synthesized chunk-hash files.
package tempfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// globalRegistry tracks every temp file currently owned by some in-flight
// item. If a process-level panic or os.Exit skips an item's own cleanup
// path, CleanupAll still removes it.
var globalRegistry = &registry{}

type registry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func register(path string) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if globalRegistry.paths == nil {
		globalRegistry.paths = make(map[string]struct{})
	}
	globalRegistry.paths[path] = struct{}{}
}

func deregister(path string) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	delete(globalRegistry.paths, path)
}

// CleanupAll removes every still-registered temp file. Call on process exit.
func CleanupAll() {
	globalRegistry.mu.Lock()
	paths := make([]string, 0, len(globalRegistry.paths))
	for p := range globalRegistry.paths {
		paths = append(paths, p)
	}
	globalRegistry.paths = nil
	globalRegistry.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// File is a writable scratch file that can be rewound (for HASH_MISMATCH
// retries), deleted (failure paths), or kept (success paths hand it to the
// hash pipeline, which owns it from then on).
type File struct {
	*os.File
	path      string
	deleted   bool
	discarded bool
}

// Path returns the file's path on disk.
func (f *File) Path() string { return f.path }

// Rewind truncates the file and seeks to the start, for a retried transfer.
func (f *File) Rewind() error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", f.path, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek %s: %w", f.path, err)
	}
	return nil
}

// Discard closes and deletes the file. Safe to call multiple times and
// safe to call after Keep (a no-op in that case).
func (f *File) Discard() error {
	if f.discarded {
		return nil
	}
	f.discarded = true
	err := f.Close()
	if f.deleted {
		return err
	}
	f.deleted = true
	deregister(f.path)
	if rmErr := os.Remove(f.path); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// Keep closes the file but leaves it on disk, transferring ownership to the
// caller (typically the hash pipeline). After Keep, Discard is a no-op.
func (f *File) Keep() error {
	f.discarded = true
	deregister(f.path)
	return f.Close()
}

// Factory allocates temp files in a given directory. Production code backs
// it with a real directory; tests can point it at a tmpfs scratch dir.
type Factory struct {
	Dir string
}

// NewFactory returns a Factory rooted at dir, creating it if necessary.
func NewFactory(dir string) (*Factory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", dir, err)
	}
	return &Factory{Dir: dir}, nil
}

// Create allocates a new writable temp file. hint is used only to make the
// name legible in directory listings; uniqueness comes from a uuid suffix.
func (f *Factory) Create(hint string) (*File, error) {
	name := fmt.Sprintf(".%s.%s.ferry-tmp", filepath.Base(hint), uuid.New().String()[:8])
	path := filepath.Join(f.Dir, name)

	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", path, err)
	}
	register(path)
	return &File{File: fh, path: path}, nil
}
