// Package wire implements the length-prefixed frame envelope used by the
// sumwire protocol. Every message on the stream is a 4-byte big-endian
// unsigned length followed by exactly that many payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthPrefixSize is the width of the frame length prefix in bytes.
const LengthPrefixSize = 4

// DefaultMaxFrameSize bounds payload allocation when no explicit limit is
// configured.
const DefaultMaxFrameSize = 1 << 20 // 1MB

// ErrFrameTooLarge is returned when a frame declares a length above the
// configured maximum. The payload is never read, so the stream cannot be
// resynchronized and the connection must be closed.
var ErrFrameTooLarge = errors.New("frame too large")

// ReadFrame reads one complete frame from r and returns its payload.
//
// The length prefix is read first and validated against maxSize before any
// payload byte is read, so a hostile or corrupt peer cannot force an
// unbounded allocation. Payload bytes are accumulated across partial reads;
// a short read blocks until the frame completes or the connection closes.
//
// Returned errors:
//   - io.EOF: the peer closed the connection on a frame boundary (normal
//     termination, not a failure)
//   - io.ErrUnexpectedEOF: the peer closed mid-frame
//   - ErrFrameTooLarge: declared length exceeds maxSize (wrapped with sizes)
//
// The returned payload is backed by the package buffer pool; callers must
// hand it back with PutBuffer once decoded.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])

	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	if length > maxSize {
		return nil, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	payload := GetBuffer(length)
	if _, err := io.ReadFull(r, payload); err != nil {
		PutBuffer(payload)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}

// WriteFrame writes payload to w as a single frame. The prefix and payload
// are assembled into one buffer so the frame goes out in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := GetBuffer(uint32(LengthPrefixSize + len(payload)))
	defer PutBuffer(frame)

	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
