// Package server is the control socket surface: a net.UnixListener at a
// configured path translating length-prefixed JSON requests into
// scheduler operations and streaming job events back to subscribers.
//
// Framing is grounded on the *shape* of the teacher's
// internal/transport/proto/frame.go (a length prefix ahead of every
// record on the wire) but uses spec.md §6's exact wire format — a
// 4-byte little-endian length prefix, no stream multiplexing — and
// encoding/json for the body instead of the teacher's msgp tags, since
// the teacher tree never actually ran msgp codegen (no *_gen.go) and
// spec.md places wire encoding out of the core's scope.
package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single request or response record, guarding
// against a malformed length prefix asking for an unbounded allocation.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by readFrame when the declared length
// exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("server: frame exceeds maximum size")

// writeFrame writes a 4-byte little-endian length prefix followed by
// payload, combined into a single Write call.
func writeFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("server: write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed record from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if uint64(n) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("server: read frame payload: %w", err)
		}
	}
	return payload, nil
}
