//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// CopyFileRange transfers one chunk in-kernel via copy_file_range(2),
// looping until the requested length or EOF since a single call may
// short-write, per spec §4.2.
func CopyFileRange(params Params) (Result, error) {
	srcFd, err := os.Open(params.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer srcFd.Close()

	remaining := copyLength(params)
	roff := params.SrcOffset
	woff := params.SrcOffset

	var total int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(srcFd.Fd()), &roff, int(params.DstFd.Fd()), &woff, int(remaining), 0)
		if err != nil {
			if total == 0 {
				if IsFallbackErr(err) {
					return Result{}, ErrNotApplicable
				}
				return Result{}, err
			}
			return Result{BytesWritten: total}, err
		}
		if n == 0 {
			return Result{BytesWritten: total, EOF: true}, nil
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return Result{BytesWritten: total, EOF: remaining == 0}, nil
}

// Sendfile transfers one chunk via sendfile(2) through a kernel buffer.
// Used when copy_file_range is unavailable, per spec §4.2.
func Sendfile(params Params) (Result, error) {
	srcFd, err := os.Open(params.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer srcFd.Close()

	remaining := copyLength(params)
	offset := params.SrcOffset

	if _, err := params.DstFd.Seek(params.SrcOffset, 0); err != nil {
		return Result{}, err
	}

	var total int64
	for remaining > 0 {
		n, err := unix.Sendfile(int(params.DstFd.Fd()), int(srcFd.Fd()), &offset, int(remaining))
		if err != nil {
			if total == 0 {
				if IsFallbackErr(err) {
					return Result{}, ErrNotApplicable
				}
				return Result{}, err
			}
			return Result{BytesWritten: total}, err
		}
		if n == 0 {
			return Result{BytesWritten: total, EOF: true}, nil
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return Result{BytesWritten: total, EOF: remaining == 0}, nil
}
