//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate attempts to pre-allocate disk space for a file about to be
// written. Errors are ignored: fallocate is not supported on every
// filesystem, and this is advisory rather than load-bearing.
func Preallocate(fd *os.File, size int64) {
	_ = unix.Fallocate(int(fd.Fd()), 0, 0, size)
}
