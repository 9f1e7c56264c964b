package platform

import (
	"fmt"
	"os"
)

// LinkOrReflinkPair tries to carry two paths (a destination file and its
// chunk-hash sidecar) forward from a pair of prior-backup source paths
// without copying their bytes: first via a hardlink, then — if the
// destination filesystem supports it — via a copy-on-write reflink. It
// either links both paths or neither; on any failure it removes whatever
// it already created and reports the error so the caller can fall back to
// a byte copy.
func LinkOrReflinkPair(dstFile, srcFile, dstSidecar, srcSidecar string) error {
	return linkOrReflinkPair(dstFile, srcFile, dstSidecar, srcSidecar, false)
}

// LinkOrReflinkPairPreferReflink is LinkOrReflinkPair with the attempt
// order reversed: reflink first, hardlink second. Used when configuration
// prefers reflinks, e.g. to avoid
// tying the new backup's file to the same inode as the prior one.
func LinkOrReflinkPairPreferReflink(dstFile, srcFile, dstSidecar, srcSidecar string) error {
	return linkOrReflinkPair(dstFile, srcFile, dstSidecar, srcSidecar, true)
}

func linkOrReflinkPair(dstFile, srcFile, dstSidecar, srcSidecar string, preferReflink bool) error {
	if err := linkOrReflink(dstFile, srcFile, preferReflink); err != nil {
		return fmt.Errorf("link %s: %w", dstFile, err)
	}

	if err := linkOrReflink(dstSidecar, srcSidecar, preferReflink); err != nil {
		_ = os.Remove(dstFile)
		return fmt.Errorf("link %s: %w", dstSidecar, err)
	}

	return nil
}

// hardlinkFile matches reflinkFile's (dst, src) argument order, unlike
// os.Link's (oldname=src, newname=dst).
func hardlinkFile(dst, src string) error {
	return os.Link(src, dst)
}

func linkOrReflink(dst, src string, preferReflink bool) error {
	first, second := hardlinkFile, reflinkFile
	if preferReflink {
		first, second = reflinkFile, hardlinkFile
	}

	if err := first(dst, src); err == nil {
		return nil
	}
	if err := second(dst, src); err == nil {
		return nil
	}
	return fmt.Errorf("neither hardlink nor reflink available for %s", src)
}
