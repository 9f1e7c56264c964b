//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflinkFile clones src onto dst via FICLONE (copy_file_range's
// copy-on-write cousin). Requires both to live on the same filesystem and
// that filesystem to support reflinks (btrfs, xfs with reflink=1).
func reflinkFile(dst, src string) error {
	srcFd, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFd.Close()

	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer dstFd.Close()

	if err := unix.IoctlFileClone(int(dstFd.Fd()), int(srcFd.Fd())); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}
