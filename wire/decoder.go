package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/c360/fleetgate/errors"
)

var syncWord = []byte{SyncByte1, SyncByte2}

// Decoder extracts complete frames from a TCP byte stream. It owns a
// growable pending buffer capped at maxPending bytes; exceeding the cap
// terminates decoding with ErrFramingOverflow so a peer dribbling bytes
// that never complete a frame cannot pin memory.
//
// The decoder is self-synchronizing: bytes preceding the next sync word are
// discarded, which tolerates mid-stream garbage and misaligned starts. Once a
// frame header is in the buffer the decoder commits to the declared payload
// length and does not re-scan, so a sync word inside a payload is never
// mistaken for a frame start.
//
// Frames returned by Next alias the pending buffer and remain valid only
// until the next call to Feed. A Decoder is owned by a single connection
// handler and is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	start      int
	maxPending int
	discarded  uint64
}

// NewDecoder creates a decoder with the given pending-buffer cap.
func NewDecoder(maxPending int) *Decoder {
	return &Decoder{maxPending: maxPending}
}

// Feed appends a chunk of stream bytes to the pending buffer. Call Next
// repeatedly after each Feed to drain completed frames.
func (d *Decoder) Feed(p []byte) {
	// Reclaim consumed space before growing. Frames handed out by Next are
	// invalidated here, per the documented lifetime.
	if d.start > 0 && d.start >= len(d.buf)-d.start {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) when more input is
// needed. It returns ErrFramingOverflow when the pending bytes exceed the
// configured cap without completing a frame.
func (d *Decoder) Next() ([]byte, error) {
	pending := d.buf[d.start:]

	// Seek the sync word, discarding garbage before it.
	i := bytes.Index(pending, syncWord)
	if i < 0 {
		// Everything so far is garbage, except a trailing 0xAA which may be
		// the first half of a split sync word.
		drop := len(pending)
		if drop > 0 && pending[drop-1] == SyncByte1 {
			drop--
		}
		d.consume(drop)
		d.discarded += uint64(drop)
		return nil, d.checkPending()
	}
	if i > 0 {
		d.consume(i)
		d.discarded += uint64(i)
		pending = pending[i:]
	}

	if len(pending) < HeaderSize {
		return nil, d.checkPending()
	}

	declared := int(binary.BigEndian.Uint16(pending[offLength : offLength+2]))
	total := HeaderSize + declared
	if len(pending) < total {
		return nil, d.checkPending()
	}

	frame := pending[:total]
	d.consume(total)
	return frame, nil
}

// Pending returns the number of buffered bytes not yet consumed.
func (d *Decoder) Pending() int {
	return len(d.buf) - d.start
}

// Discarded returns the total number of bytes dropped during
// resynchronization since the decoder was created.
func (d *Decoder) Discarded() uint64 {
	return d.discarded
}

func (d *Decoder) consume(n int) {
	d.start += n
}

func (d *Decoder) checkPending() error {
	if d.Pending() > d.maxPending {
		return errors.ErrFramingOverflow
	}
	return nil
}
