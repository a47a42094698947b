// Package router classifies parsed device messages by their type
// discriminator and builds the per-topic projections: a structured JSON
// envelope for device messages and a raw payload projection for device
// events.
package router

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/c360/fleetgate/errors"
	"github.com/c360/fleetgate/publisher"
	"github.com/c360/fleetgate/wire"
)

// Class is the routing class of a message.
type Class int

const (
	// ClassIgnore means the type discriminator is unknown; the message is
	// dropped and counted.
	ClassIgnore Class = iota
	// ClassDeviceMessage routes to the device-message topic with a JSON
	// envelope.
	ClassDeviceMessage
	// ClassDeviceEvent routes to the device-event topic as a raw payload
	// projection.
	ClassDeviceEvent
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassDeviceMessage:
		return "device-message"
	case ClassDeviceEvent:
		return "device-event"
	default:
		return "ignore"
	}
}

// Standard headers attached to every published message.
const (
	HeaderSource  = "source"
	HeaderVersion = "version"

	SourceValue  = "message-sender-service"
	VersionValue = "1.0"
)

// Classify maps the type discriminator onto a routing class.
func Classify(msgType uint8) Class {
	switch msgType {
	case 2, 11, 13:
		return ClassDeviceMessage
	case 1, 3, 12, 14:
		return ClassDeviceEvent
	default:
		return ClassIgnore
	}
}

// Envelope is the JSON value published to the device-message topic.
type Envelope struct {
	DeviceID       string `json:"deviceId"`
	MessageCounter uint16 `json:"messageCounter"`
	MessageType    uint8  `json:"messageType"`
	Timestamp      string `json:"timestamp"`
	Payload        string `json:"payload"`
	PayloadSize    int    `json:"payloadSize"`
	CorrelationID  string `json:"correlationId"`
}

// Headers returns the standard publish headers.
func Headers() publisher.Headers {
	return publisher.Headers{
		HeaderSource:  SourceValue,
		HeaderVersion: VersionValue,
	}
}

// EncodeEnvelope builds the device-message JSON envelope for a parsed
// message. The payload is base64-encoded, empty string for a zero-length
// payload, and the timestamp is ISO-8601 UTC.
func EncodeEnvelope(msg wire.Message, correlationID string) ([]byte, error) {
	env := Envelope{
		DeviceID:       msg.DeviceID.String(),
		MessageCounter: msg.Counter,
		MessageType:    msg.Type,
		Timestamp:      msg.ReceivedAt.UTC().Format(time.RFC3339),
		Payload:        base64.StdEncoding.EncodeToString(msg.Payload),
		PayloadSize:    len(msg.Payload),
		CorrelationID:  correlationID,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "router", "EncodeEnvelope", "marshal envelope")
	}
	return data, nil
}

// EncodeEvent builds the device-event projection: the base64 encoding of the
// raw payload, no envelope and no metadata wrapping.
func EncodeEvent(msg wire.Message) []byte {
	value := make([]byte, base64.StdEncoding.EncodedLen(len(msg.Payload)))
	base64.StdEncoding.Encode(value, msg.Payload)
	return value
}
