//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// CopyFile copies the range described by params using the cheapest kernel
// path available: copy_file_range first (in-kernel, possibly reflinked on
// btrfs/xfs), sendfile next, pread/pwrite last. A strategy that fails
// before writing anything with an unsupported/cross-device error falls
// through to the next one; a mid-copy failure is surfaced as-is, since
// the destination is already partially written.
func CopyFile(params CopyFileParams) (CopyResult, error) {
	preallocate(params.DstFd, copyLength(params))

	strategies := []struct {
		method CopyMethod
		run    func(CopyFileParams, *os.File) (int64, error)
	}{
		{CopyFileRange, copyRangeLoop},
		{Sendfile, sendfileLoop},
	}

	for _, s := range strategies {
		src, err := os.Open(params.SrcPath)
		if err != nil {
			return CopyResult{}, err
		}
		n, err := s.run(params, src)
		src.Close()
		if err == nil {
			return CopyResult{BytesWritten: n, Method: s.method}, nil
		}
		if n == 0 && isFallbackErr(err) {
			continue
		}
		return CopyResult{BytesWritten: n, Method: s.method}, err
	}

	return copyReadWrite(params)
}

func copyRangeLoop(params CopyFileParams, src *os.File) (int64, error) {
	remaining := copyLength(params)
	roff := params.SrcOffset
	woff := params.SrcOffset

	var written int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), &roff, int(params.DstFd.Fd()), &woff, int(remaining), 0)
		if err != nil {
			return written, err
		}
		if n == 0 {
			break
		}
		written += int64(n)
		remaining -= int64(n)
	}
	return written, nil
}

func sendfileLoop(params CopyFileParams, src *os.File) (int64, error) {
	remaining := copyLength(params)
	offset := params.SrcOffset

	// sendfile writes at the destination's current position; line it up
	// with the source offset so both strategies produce the same layout.
	if offset > 0 {
		if _, err := params.DstFd.Seek(offset, 0); err != nil {
			return 0, err
		}
	}

	var written int64
	for remaining > 0 {
		n, err := unix.Sendfile(int(params.DstFd.Fd()), int(src.Fd()), &offset, int(remaining))
		if err != nil {
			return written, err
		}
		if n == 0 {
			break
		}
		written += int64(n)
		remaining -= int64(n)
	}
	return written, nil
}
