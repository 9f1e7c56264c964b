//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for f up front, so a large salvage
// copy onto a nearly-full disk fails at the start instead of midway.
// Best effort: fallocate is not supported on every filesystem, and a
// copy works without it.
func preallocate(f *os.File, size int64) {
	if size <= 0 {
		return
	}
	_ = unix.Fallocate(int(f.Fd()), 0, 0, size)
}
