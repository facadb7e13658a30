// Package transport carries the sync protocol over TCP. A frame is
// [2 bytes LE: total length including the header][payload]; the first
// payload byte is the opcode. The package moves opaque frame payloads
// between sockets and queues; all protocol interpretation happens in the
// bridge.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrame bounds one frame's payload. The length header counts itself, so
// a payload can never exceed 65533 bytes.
const maxFrame = 65533

// ReadFrame reads one frame and returns its payload, opcode byte first.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	total := int(binary.LittleEndian.Uint16(header[:]))
	n := total - 2
	if n <= 0 {
		return nil, fmt.Errorf("invalid frame length: %d", total)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", n, err)
	}
	return payload, nil
}

// WriteFrame writes one frame around the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty frame payload")
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("frame payload %d bytes exceeds %d", len(payload), maxFrame)
	}
	var header [2]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(payload)+2))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
