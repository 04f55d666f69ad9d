//go:build linux

package platform

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Segment describes a contiguous region of a file as reported by
// SEEK_DATA/SEEK_HOLE.
type Segment struct {
	Offset int64
	Length int64
	IsData bool
}

// DetectSparseSegments walks SEEK_DATA/SEEK_HOLE to map out the sparse
// layout of a file, per spec §4.2's sparse handling. Returns a single
// data segment covering the whole file if the filesystem doesn't support
// sparse detection.
func DetectSparseSegments(fd *os.File, fileSize int64) ([]Segment, error) {
	if fileSize == 0 {
		return nil, nil
	}

	rawFd := int(fd.Fd())
	var segments []Segment
	offset := int64(0)

	for offset < fileSize {
		dataStart, err := seekData(rawFd, offset)
		if err != nil {
			if isENXIO(err) {
				segments = append(segments, Segment{Offset: offset, Length: fileSize - offset, IsData: false})
				break
			}
			if isEINVAL(err) {
				return wholeFileSegment(fileSize), nil
			}
			return nil, err
		}

		if dataStart > offset {
			segments = append(segments, Segment{Offset: offset, Length: dataStart - offset, IsData: false})
		}

		holeStart, err := seekHole(rawFd, dataStart)
		if err != nil {
			switch {
			case isENXIO(err):
				holeStart = fileSize
			case isEINVAL(err):
				return wholeFileSegment(fileSize), nil
			default:
				return nil, err
			}
		}
		if holeStart > fileSize {
			holeStart = fileSize
		}

		segments = append(segments, Segment{Offset: dataStart, Length: holeStart - dataStart, IsData: true})
		offset = holeStart
	}

	if len(segments) == 0 {
		return wholeFileSegment(fileSize), nil
	}
	return segments, nil
}

func wholeFileSegment(size int64) []Segment {
	return []Segment{{Offset: 0, Length: size, IsData: true}}
}

func seekData(fd int, offset int64) (int64, error) {
	return unix.Seek(fd, offset, unix.SEEK_DATA)
}

func seekHole(fd int, offset int64) (int64, error) {
	return unix.Seek(fd, offset, unix.SEEK_HOLE)
}

func isENXIO(err error) bool { return err == syscall.ENXIO }
func isEINVAL(err error) bool { return err == syscall.EINVAL }

// AllocatedBlocks returns the number of 512-byte blocks the kernel
// reports as allocated to path, for the sparse-preservation testable
// property in spec §8.
func AllocatedBlocks(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Blocks, nil
}
