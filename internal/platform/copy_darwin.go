//go:build darwin

package platform

import "golang.org/x/sys/unix"

// CopyFile clones src onto dst when the copy covers the whole file and
// the filesystem supports copy-on-write clones, falling back to a
// pread/pwrite byte copy otherwise. clonefile cannot express a range, so
// offset/length copies always take the byte path.
func CopyFile(params CopyFileParams) (CopyResult, error) {
	if params.SrcOffset == 0 && params.Length == 0 {
		switch err := unix.Clonefile(params.SrcPath, params.DstFd.Name(), 0); err {
		case nil:
			return CopyResult{BytesWritten: params.SrcSize, Method: Clonefile}, nil
		case unix.ENOTSUP, unix.EXDEV, unix.EEXIST:
			// not clonable here; fall through to a byte copy
		default:
			return CopyResult{}, err
		}
	}

	preallocate(params.DstFd, copyLength(params))
	return copyReadWrite(params)
}
