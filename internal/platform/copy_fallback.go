//go:build !linux && !darwin

package platform

// CopyFile has no kernel-assisted path on this platform; every copy goes
// byte by byte.
func CopyFile(params CopyFileParams) (CopyResult, error) {
	preallocate(params.DstFd, copyLength(params))
	return copyReadWrite(params)
}
