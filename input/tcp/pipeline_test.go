package tcp

import (
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetgate/metric"
	"github.com/c360/fleetgate/publisher"
	"github.com/c360/fleetgate/router"
	"github.com/c360/fleetgate/wire"
)

func send(t *testing.T, conn io.Writer, data []byte) {
	t.Helper()
	_, err := conn.Write(data)
	require.NoError(t, err)
}

func TestDeviceMessagePublished(t *testing.T) {
	pub := &fakePublisher{}
	s, m := startServer(t, pub, nil)
	conn := dial(t, s)

	send(t, conn, deviceFrame(t, 100, 2, []byte{0x01, 0x02, 0x03}))
	records := waitPublished(t, pub, 1)

	rec := records[0]
	assert.Equal(t, "device.messages", rec.topic)
	assert.Equal(t, "01-02-03-04", rec.key)
	assert.Equal(t, router.SourceValue, rec.headers[router.HeaderSource])
	assert.Equal(t, router.VersionValue, rec.headers[router.HeaderVersion])
	assert.NotEmpty(t, rec.headers[publisher.CorrelationHeader])

	var env router.Envelope
	require.NoError(t, json.Unmarshal(rec.value, &env))
	assert.Equal(t, "01-02-03-04", env.DeviceID)
	assert.Equal(t, uint16(100), env.MessageCounter)
	assert.Equal(t, uint8(2), env.MessageType)
	assert.Equal(t, "AQID", env.Payload)
	assert.Equal(t, 3, env.PayloadSize)
	assert.Equal(t, rec.headers[publisher.CorrelationHeader], env.CorrelationID)

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)

	assert.Equal(t, float64(1), counterValue(t, m.DeviceMessagesProcessed))
}

func TestDeviceEventPublishedRaw(t *testing.T) {
	pub := &fakePublisher{}
	s, m := startServer(t, pub, nil)
	conn := dial(t, s)

	send(t, conn, deviceFrame(t, 200, 1, []byte{0x0A, 0x0B}))
	records := waitPublished(t, pub, 1)

	rec := records[0]
	assert.Equal(t, "device.events", rec.topic)
	assert.Equal(t, "01-02-03-04", rec.key)
	// Raw base64 payload, no envelope.
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x0A, 0x0B}), string(rec.value))

	assert.Equal(t, float64(1), counterValue(t, m.DeviceEventsProcessed))
}

func TestEmptyPayloadEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := startServer(t, pub, nil)
	conn := dial(t, s)

	send(t, conn, deviceFrame(t, 300, 11, nil))
	records := waitPublished(t, pub, 1)

	var env router.Envelope
	require.NoError(t, json.Unmarshal(records[0].value, &env))
	assert.Equal(t, "", env.Payload)
	assert.Equal(t, 0, env.PayloadSize)
}

func TestDuplicateDropped(t *testing.T) {
	pub := &fakePublisher{}
	s, m := startServer(t, pub, nil)
	conn := dial(t, s)

	frame := deviceFrame(t, 400, 2, []byte{0xFF})
	send(t, conn, frame)
	waitPublished(t, pub, 1)

	send(t, conn, frame)
	require.Eventually(t, func() bool {
		return counterValue(t, m.DuplicateMessagesRejected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Still one publish; the connection survives and a fresh counter passes.
	assert.Equal(t, 1, pub.count())
	send(t, conn, deviceFrame(t, 401, 2, []byte{0xFF}))
	waitPublished(t, pub, 2)
}

func TestUnknownTypeDropped(t *testing.T) {
	pub := &fakePublisher{}
	s, m := startServer(t, pub, nil)
	conn := dial(t, s)

	send(t, conn, deviceFrame(t, 500, 99, []byte{0x01}))
	require.Eventually(t, func() bool {
		return counterValue(t, m.InvalidMessagesRejected.WithLabelValues(metric.ReasonUnknownType)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, pub.count())

	// Connection stays open.
	send(t, conn, deviceFrame(t, 501, 2, []byte{0x01}))
	waitPublished(t, pub, 1)
}

func TestResyncAfterGarbage(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := startServer(t, pub, nil)
	conn := dial(t, s)

	frame := deviceFrame(t, 600, 2, []byte{0x42})
	data := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, frame...)
	send(t, conn, data)

	records := waitPublished(t, pub, 1)
	var env router.Envelope
	require.NoError(t, json.Unmarshal(records[0].value, &env))
	assert.Equal(t, uint16(600), env.MessageCounter)
}

func TestFragmentedFrame(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := startServer(t, pub, nil)
	conn := dial(t, s)

	frame := deviceFrame(t, 700, 13, []byte{0x01, 0x02, 0x03, 0x04, 0x05})
	for _, b := range frame {
		send(t, conn, []byte{b})
		time.Sleep(time.Millisecond)
	}

	records := waitPublished(t, pub, 1)
	var env router.Envelope
	require.NoError(t, json.Unmarshal(records[0].value, &env))
	assert.Equal(t, uint16(700), env.MessageCounter)
	assert.Equal(t, uint8(13), env.MessageType)
}

func TestFramingOverflowClosesConnection(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := startServer(t, pub, func(c *Config) {
		c.MaxPendingBytes = 64
	})
	conn := dial(t, s)

	// A header declaring a 200-byte payload, then enough bytes to pass the
	// cap without ever completing the frame.
	header := []byte{
		wire.SyncByte1, wire.SyncByte2,
		0x01, 0x02, 0x03, 0x04,
		0x00, 0x01,
		0x02,
		0x00, 200,
	}
	send(t, conn, header)
	send(t, conn, make([]byte, 100))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, pub.count())
}

func TestMixedStreamOrderPreserved(t *testing.T) {
	pub := &fakePublisher{}
	s, m := startServer(t, pub, nil)
	conn := dial(t, s)

	devA := wire.DeviceID{0x01, 0x02, 0x03, 0x04}
	devB := wire.DeviceID{0xAA, 0xBB, 0xCC, 0xDD}
	frame := func(dev wire.DeviceID, counter uint16, msgType uint8) []byte {
		f, err := wire.Encode(dev, counter, msgType, []byte{byte(counter)})
		require.NoError(t, err)
		return f
	}

	var data []byte
	data = append(data, frame(devA, 1, 2)...)   // message
	data = append(data, frame(devA, 2, 1)...)   // event
	data = append(data, frame(devB, 1, 11)...)  // message; counter 1 is per-device fresh
	data = append(data, frame(devA, 1, 2)...)   // duplicate of the first frame
	data = append(data, frame(devA, 3, 3)...)   // event
	data = append(data, frame(devB, 2, 99)...)  // unknown type
	data = append(data, frame(devB, 3, 12)...)  // event
	data = append(data, frame(devA, 4, 13)...)  // message
	data = append(data, frame(devB, 4, 14)...)  // event
	send(t, conn, data)

	records := waitPublished(t, pub, 7)
	require.Len(t, records, 7)

	wantTopics := []string{
		"device.messages", "device.events", "device.messages",
		"device.events", "device.events", "device.messages", "device.events",
	}
	for i, rec := range records {
		assert.Equal(t, wantTopics[i], rec.topic, "record %d", i)
	}

	// Envelope counters arrive in wire order.
	var env router.Envelope
	require.NoError(t, json.Unmarshal(records[0].value, &env))
	assert.Equal(t, uint16(1), env.MessageCounter)
	assert.Equal(t, "01-02-03-04", env.DeviceID)
	require.NoError(t, json.Unmarshal(records[2].value, &env))
	assert.Equal(t, uint16(1), env.MessageCounter)
	assert.Equal(t, "AA-BB-CC-DD", env.DeviceID)
	require.NoError(t, json.Unmarshal(records[5].value, &env))
	assert.Equal(t, uint16(4), env.MessageCounter)

	assert.Equal(t, float64(3), counterValue(t, m.DeviceMessagesProcessed))
	assert.Equal(t, float64(4), counterValue(t, m.DeviceEventsProcessed))
	assert.Equal(t, float64(1), counterValue(t, m.DuplicateMessagesRejected))
	assert.Equal(t, float64(1),
		counterValue(t, m.InvalidMessagesRejected.WithLabelValues(metric.ReasonUnknownType)))
}

func TestPublishErrorLogsAndContinues(t *testing.T) {
	pub := &fakePublisher{}
	pub.setErr(stderrors.New("broker unavailable"))
	s, m := startServer(t, pub, nil)
	conn := dial(t, s)

	send(t, conn, deviceFrame(t, 800, 2, []byte{0x01}))
	require.Eventually(t, func() bool {
		return counterValue(t, m.PublishErrors.WithLabelValues("device.messages", "transient")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), counterValue(t, m.DeviceMessagesProcessed))

	// Default policy: connection survives, later frames go through.
	pub.setErr(nil)
	send(t, conn, deviceFrame(t, 801, 2, []byte{0x01}))
	waitPublished(t, pub, 1)
}

func TestPublishErrorDisconnects(t *testing.T) {
	pub := &fakePublisher{}
	pub.setErr(stderrors.New("broker unavailable"))
	s, _ := startServer(t, pub, func(c *Config) {
		c.DisconnectOnPublishError = true
	})
	conn := dial(t, s)

	send(t, conn, deviceFrame(t, 900, 2, []byte{0x01}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectionsAreIsolated(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := startServer(t, pub, func(c *Config) {
		c.MaxPendingBytes = 64
	})

	bad := dial(t, s)
	good := dial(t, s)

	// Overflow the first connection.
	send(t, bad, []byte{
		wire.SyncByte1, wire.SyncByte2,
		0x09, 0x09, 0x09, 0x09,
		0x00, 0x01, 0x02, 0x00, 200,
	})
	send(t, bad, make([]byte, 100))
	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := bad.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	// The second connection is unaffected.
	send(t, good, deviceFrame(t, 1000, 2, []byte{0x01}))
	waitPublished(t, pub, 1)
}
