//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Reflink clones the source file onto the destination via FICLONE,
// sharing physical extents copy-on-write. It is only applicable for a
// whole-file clone of a regular file on a filesystem that supports
// reflinks (btrfs, XFS with reflink=1, overlayfs in some configurations);
// cross-filesystem or unsupported-filesystem requests return
// ErrNotApplicable rather than an I/O error, per spec §4.2.
func Reflink(params Params) (Result, error) {
	if params.SrcOffset != 0 || (params.Length != 0 && params.Length != params.SrcSize) {
		// FICLONE clones the whole file; range clones (FICLONERANGE) are
		// not implemented, so any request for less than the whole file is
		// declined and auto-selection moves on to the next strategy.
		return Result{}, ErrNotApplicable
	}

	srcFd, err := os.Open(params.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer srcFd.Close()

	if err := unix.IoctlFileClone(int(params.DstFd.Fd()), int(srcFd.Fd())); err != nil {
		if err == unix.EXDEV || err == unix.EOPNOTSUPP || err == unix.EINVAL || err == unix.ENOTTY {
			return Result{}, ErrNotApplicable
		}
		return Result{}, err
	}

	return Result{BytesWritten: params.SrcSize, EOF: true}, nil
}
