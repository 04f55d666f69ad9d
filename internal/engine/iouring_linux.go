//go:build linux

package engine

import (
	"fmt"
	"os"
	"sync"

	"github.com/copyd/copyd/internal/job"
	"github.com/iceber/iouring-go"
)

// ioURingStrategy copies through a shared io_uring instance whose
// submission queue depth is configurable. Each piece of a chunk is read
// with one submitted pread and written with one submitted pwrite, and
// every completion is awaited before the next request is submitted:
// requests are not batched, and buffers come from an ordinary Go pool
// rather than being registered with the kernel. This repo
// wires the real github.com/iceber/iouring-go library instead of the
// teacher's hand-rolled raw-SQE/CQE ring (internal/platform/copy_iouring.go
// in the teacher tree never actually imported it) — see DESIGN.md.
type ioURingStrategy struct {
	ring *iouring.IOURing

	mu   sync.Mutex
	pool [][]byte
}

// NewIOURing constructs the io_uring strategy with the given submission
// queue depth (config's io_uring_entries, default 256). Returns
// (nil, err) if io_uring is unavailable on this kernel — auto-selection
// then falls through to sendfile, per spec §4.2.
func NewIOURing(queueDepth uint) (Strategy, error) {
	ring, err := iouring.New(queueDepth)
	if err != nil {
		return nil, fmt.Errorf("io_uring unavailable: %w", err)
	}
	return &ioURingStrategy{ring: ring}, nil
}

func (s *ioURingStrategy) Name() job.EngineKind { return job.IOURing }

func (s *ioURingStrategy) Close() error {
	return s.ring.Close()
}

func (s *ioURingStrategy) buffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.pool); n > 0 {
		b := s.pool[n-1]
		s.pool = s.pool[:n-1]
		return b
	}
	return make([]byte, 1<<20)
}

func (s *ioURingStrategy) putBuffer(b []byte) {
	s.mu.Lock()
	s.pool = append(s.pool, b)
	s.mu.Unlock()
}

// Copy transfers the requested range in pieces of at most 1 MiB,
// submitting one pread and then one pwrite per piece and waiting for
// each completion in turn.
func (s *ioURingStrategy) Copy(p Params) (Result, error) {
	srcFd, err := os.Open(p.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer srcFd.Close()

	remaining := p.Length
	if remaining <= 0 {
		remaining = p.SrcSize - p.SrcOffset
	}
	offset := p.SrcOffset

	var total int64
	for remaining > 0 {
		toRead := remaining
		if toRead > 1<<20 {
			toRead = 1 << 20
		}
		buf := s.buffer()[:toRead]

		n, err := s.submitRead(srcFd, buf, offset)
		if err != nil {
			s.putBuffer(buf)
			return Result{BytesWritten: total}, err
		}
		if n == 0 {
			s.putBuffer(buf)
			return Result{BytesWritten: total, EOF: true}, nil
		}

		if err := s.submitWrite(p.DstFd, buf[:n], offset); err != nil {
			s.putBuffer(buf)
			return Result{BytesWritten: total}, err
		}
		s.putBuffer(buf)

		offset += int64(n)
		remaining -= int64(n)
		total += int64(n)
	}
	return Result{BytesWritten: total, EOF: remaining == 0}, nil
}

func (s *ioURingStrategy) submitRead(f *os.File, buf []byte, offset int64) (int, error) {
	request := iouring.Pread(int(f.Fd()), buf, uint64(offset))
	done := make(chan iouring.Result, 1)
	if _, err := s.ring.SubmitRequest(request, done); err != nil {
		return 0, err
	}
	res := <-done
	n, err := res.ReturnInt()
	return n, err
}

func (s *ioURingStrategy) submitWrite(f *os.File, buf []byte, offset int64) error {
	request := iouring.Pwrite(int(f.Fd()), buf, uint64(offset))
	done := make(chan iouring.Result, 1)
	if _, err := s.ring.SubmitRequest(request, done); err != nil {
		return err
	}
	res := <-done
	_, err := res.ReturnInt()
	return err
}
