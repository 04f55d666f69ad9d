package platform

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const bufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// ReadWrite copies one chunk using pread/pwrite with a pooled buffer. It
// is the portable fallback tried last by the engine registry and is
// always applicable — it returns an I/O error on failure rather than
// ErrNotApplicable.
func ReadWrite(params Params) (Result, error) {
	srcFd, err := os.Open(params.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer srcFd.Close()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	offset := params.SrcOffset
	remaining := copyLength(params)

	var total int64
	srcRawFd := int(srcFd.Fd())
	dstRawFd := int(params.DstFd.Fd())

	for remaining > 0 {
		toRead := int(remaining)
		if toRead > bufferSize {
			toRead = bufferSize
		}

		n, err := pread(srcRawFd, buf[:toRead], offset)
		if err != nil {
			return Result{BytesWritten: total}, err
		}
		if n == 0 {
			return Result{BytesWritten: total, EOF: true}, nil
		}

		written := 0
		for written < n {
			w, err := pwrite(dstRawFd, buf[written:n], offset+int64(written))
			if err != nil {
				return Result{BytesWritten: total + int64(written)}, err
			}
			written += w
		}

		offset += int64(n)
		remaining -= int64(n)
		total += int64(n)
	}

	return Result{BytesWritten: total, EOF: remaining == 0}, nil
}

func pread(fd int, buf []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pread(fd, buf, offset)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func pwrite(fd int, buf []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pwrite(fd, buf, offset)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// isFallbackErrno reports whether err (or its wrapped syscall.Errno) is
// one of the errors that should trigger falling through to the next
// strategy: ENOSYS, EXDEV, EINVAL, ENOTSUP, EOPNOTSUPP.
func isFallbackErrno(err error) bool {
	switch err {
	case unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.EOPNOTSUPP:
		return true
	}
	if e, ok := err.(*os.PathError); ok {
		return isFallbackErrno(e.Err)
	}
	return false
}
