//go:build darwin

package platform

import "golang.org/x/sys/unix"

// reflinkFile clones src onto dst via clonefile(2).
func reflinkFile(dst, src string) error {
	return unix.Clonefile(src, dst, 0)
}
