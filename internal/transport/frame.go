package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Companion-protocol stream framing: one direction byte, a little-endian
// 16-bit payload length, then the payload.
const (
	frameHeaderTx = '<' // client -> device
	frameHeaderRx = '>' // device -> client

	maxFrameSize = 4096
)

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty frame payload")
	}
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("frame payload too large: %d", len(payload))
	}

	frame := make([]byte, 3+len(payload))
	frame[0] = frameHeaderTx
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)

	return frame, nil
}

// readFrame consumes one device->client frame, resyncing past stray bytes
// (boot noise on serial links) until a header byte is found.
func readFrame(readFull readFullFunc) ([]byte, error) {
	var b [1]byte
	for {
		if err := readFull(b[:]); err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		if b[0] == frameHeaderRx {
			break
		}
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := int(binary.LittleEndian.Uint16(lenBuf[:]))
	if ln <= 0 || ln > maxFrameSize {
		return nil, fmt.Errorf("invalid frame length: %d", ln)
	}

	payload := make([]byte, ln)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		written += n
	}
	return nil
}
