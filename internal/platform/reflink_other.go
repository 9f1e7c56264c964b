//go:build !linux && !darwin

package platform

import "errors"

// reflinkFile is unsupported on platforms without a reflink syscall.
func reflinkFile(_, _ string) error {
	return errors.New("reflink not supported on this platform")
}
