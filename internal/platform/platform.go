// Package platform provides the kernel-level copy primitives that the
// engine registry (internal/engine) selects between: reflink,
// copy_file_range, sendfile, and a portable read/write fallback. Each
// primitive copies at most one chunk and reports whether it was applicable
// to the request, as distinct from an I/O failure — the Applicability
// signal spec §4.2 and the GLOSSARY both call out.
package platform

import (
	"errors"
	"os"
)

// ErrNotApplicable is returned by a primitive that cannot service a given
// request — distinct from an I/O failure. Callers try the next strategy.
var ErrNotApplicable = errors.New("platform: strategy not applicable")

// Params describes a single chunk transfer. SrcPath is opened fresh by
// each primitive so that concurrent chunks of the same entry do not share
// a file offset cursor.
type Params struct {
	SrcPath   string
	DstFd     *os.File
	SrcOffset int64
	SrcSize   int64
	Length    int64 // 0 means "rest of file from SrcOffset"
}

// Result reports the outcome of a chunk transfer.
type Result struct {
	BytesWritten int64
	EOF          bool
}

func copyLength(p Params) int64 {
	if p.Length > 0 {
		return p.Length
	}
	return p.SrcSize - p.SrcOffset
}

// IsFallbackErr reports whether err should cause the engine registry to
// try the next strategy rather than abort the job: ENOSYS, EXDEV,
// EINVAL, ENOTSUP/EOPNOTSUPP, per spec §4.2.
func IsFallbackErr(err error) bool {
	return isFallbackErrno(err)
}
