// Package framing implements the length-prefixed message framing used on
// the control-stream byte transport (spec §4.2, §6): each message is
// uint32_be length || utf8_json(length bytes), capped at 512 KiB.
package framing

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cribcall/cribcall/internal/cerr"
)

// MaxFrameSize is the largest payload, in bytes, a single frame may carry.
// A frame whose declared length exceeds this fails with cerr.FrameTooLarge
// and the caller must close the session (spec §4.2, §8).
const MaxFrameSize = 512 * 1024

const lengthPrefixSize = 4

// Encode writes one frame for payload to w: a 4-byte big-endian length
// followed by payload verbatim. payload must already be canonical or
// transport-internal JSON; Encode does not itself canonicalize.
func Encode(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return cerr.New(cerr.FrameTooLarge, fmt.Sprintf("payload %d bytes exceeds max %d", len(payload), MaxFrameSize))
	}
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("framing: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return nil
}

// Decoder reads a sequence of frames from an underlying byte stream. It is
// stateful so callers may feed it arbitrary byte-boundary chunks (spec §4.2
// and the testable boundary behaviors in §8) by wrapping any io.Reader,
// including one fed via multiple small Read calls.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r. r need not itself be buffered; Decoder buffers reads
// internally so callers may pass a raw net.Conn or tls.Conn.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Next reads and returns exactly one frame's payload, blocking until a full
// frame is available or the underlying reader errors. Returns io.EOF only
// when the stream ends cleanly between frames.
func (d *Decoder) Next() ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, cerr.Wrap(cerr.ProtocolError, "connection closed mid-frame", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, cerr.New(cerr.FrameTooLarge, fmt.Sprintf("declared frame length %d exceeds max %d", n, MaxFrameSize))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, cerr.Wrap(cerr.ProtocolError, "connection closed mid-frame", err)
		}
		return nil, err
	}
	return payload, nil
}
