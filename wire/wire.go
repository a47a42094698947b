// Package wire implements the device wire protocol: the binary frame layout,
// a self-synchronizing stream decoder, and the pure frame parser.
//
// Frame layout (all multi-byte fields big-endian):
//
//	offset  size  field
//	  0      2   sync word 0xAA 0x55
//	  2      4   device id
//	  6      2   counter
//	  8      1   type
//	  9      2   payload length L
//	 11      L   payload
//
// The minimum frame is 11 bytes; the maximum is 11 + 65535.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/c360/fleetgate/errors"
)

// Wire format constants
const (
	// SyncByte1 and SyncByte2 form the frame sync word 0xAA55
	SyncByte1 = 0xAA
	SyncByte2 = 0x55

	// HeaderSize is the fixed portion of a frame, up to and including the
	// payload length field
	HeaderSize = 11

	// MaxPayloadSize is the largest payload the length field can declare
	MaxPayloadSize = 65535

	// MaxFrameSize is the largest complete frame on the wire
	MaxFrameSize = HeaderSize + MaxPayloadSize
)

// Header field offsets
const (
	offDeviceID = 2
	offCounter  = 6
	offType     = 8
	offLength   = 9
)

// DeviceID is the opaque 4-byte device identity key.
type DeviceID [4]byte

// String formats the id as uppercase hex pairs separated by hyphens,
// e.g. "01-02-03-04". This form is used as the publisher key and in logs.
func (id DeviceID) String() string {
	return fmt.Sprintf("%02X-%02X-%02X-%02X", id[0], id[1], id[2], id[3])
}

// Message is a parsed device message.
type Message struct {
	DeviceID DeviceID
	Counter  uint16
	Type     uint8
	Payload  []byte

	// ReceivedAt is the wall-clock timestamp assigned on successful parse.
	ReceivedAt time.Time
}

// Parse validates a complete frame and extracts the message it carries.
// The returned payload aliases the frame slice; callers that hold the
// message past the frame's lifetime must copy it.
func Parse(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, errors.ErrFrameTooShort
	}
	if frame[0] != SyncByte1 || frame[1] != SyncByte2 {
		return Message{}, errors.ErrBadSync
	}

	declared := int(binary.BigEndian.Uint16(frame[offLength : offLength+2]))
	if HeaderSize+declared > len(frame) {
		return Message{}, errors.ErrLengthMismatch
	}

	var id DeviceID
	copy(id[:], frame[offDeviceID:offDeviceID+4])

	return Message{
		DeviceID:   id,
		Counter:    binary.BigEndian.Uint16(frame[offCounter : offCounter+2]),
		Type:       frame[offType],
		Payload:    frame[HeaderSize : HeaderSize+declared],
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Encode serializes a frame from its fields. It is the inverse of Parse and
// is used by the client-side test harness and by tests.
func Encode(id DeviceID, counter uint16, msgType uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
			"wire", "Encode", "payload size validation")
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = SyncByte1
	frame[1] = SyncByte2
	copy(frame[offDeviceID:], id[:])
	binary.BigEndian.PutUint16(frame[offCounter:], counter)
	frame[offType] = msgType
	binary.BigEndian.PutUint16(frame[offLength:], uint16(len(payload)))
	copy(frame[HeaderSize:], payload)

	return frame, nil
}
