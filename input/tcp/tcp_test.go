package tcp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetgate/dedup"
	"github.com/c360/fleetgate/health"
	"github.com/c360/fleetgate/metric"
	"github.com/c360/fleetgate/publisher"
	"github.com/c360/fleetgate/wire"
)

var testDevice = wire.DeviceID{0x01, 0x02, 0x03, 0x04}

type pubRecord struct {
	topic   string
	key     string
	value   []byte
	headers publisher.Headers
}

// fakePublisher records publishes and optionally fails them.
type fakePublisher struct {
	mu      sync.Mutex
	err     error
	records []pubRecord
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte, headers publisher.Headers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	v := make([]byte, len(value))
	copy(v, value)
	h := make(publisher.Headers, len(headers))
	for k, val := range headers {
		h[k] = val
	}
	f.records = append(f.records, pubRecord{topic: topic, key: key, value: v, headers: h})
	return nil
}

func (f *fakePublisher) Flush(context.Context) error { return nil }
func (f *fakePublisher) Close(context.Context) error { return nil }

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakePublisher) snapshot() []pubRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pubRecord, len(f.records))
	copy(out, f.records)
	return out
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testConfig() Config {
	return Config{
		Addr:            "127.0.0.1:0",
		MaxConnections:  4,
		ReadBufferSize:  256,
		MaxPendingBytes: 1 << 16,
		IdleTimeout:     2 * time.Second,
		MessageTopic:    "device.messages",
		EventTopic:      "device.events",
	}
}

func startServer(t *testing.T, pub publisher.Publisher, mutate func(*Config)) (*Server, *metric.Metrics) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	m := metric.NewMetrics()
	s := NewServer(ServerDeps{
		Config:    cfg,
		Publisher: pub,
		Dedup:     dedup.NewIndex(1000),
		Metrics:   m,
		Monitor:   health.NewMonitor(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
	return s, m
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func deviceFrame(t *testing.T, counter uint16, msgType uint8, payload []byte) []byte {
	t.Helper()
	frame, err := wire.Encode(testDevice, counter, msgType, payload)
	require.NoError(t, err)
	return frame
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func waitPublished(t *testing.T, f *fakePublisher, n int) []pubRecord {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n },
		2*time.Second, 10*time.Millisecond)
	return f.snapshot()
}

func TestInitializeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerDeps)
	}{
		{"empty address", func(d *ServerDeps) { d.Config.Addr = "" }},
		{"zero cap", func(d *ServerDeps) { d.Config.MaxConnections = 0 }},
		{"zero read buffer", func(d *ServerDeps) { d.Config.ReadBufferSize = 0 }},
		{"zero pending cap", func(d *ServerDeps) { d.Config.MaxPendingBytes = 0 }},
		{"empty topic", func(d *ServerDeps) { d.Config.MessageTopic = "" }},
		{"nil publisher", func(d *ServerDeps) { d.Publisher = nil }},
		{"nil dedup", func(d *ServerDeps) { d.Dedup = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := ServerDeps{
				Config:    testConfig(),
				Publisher: &fakePublisher{},
				Dedup:     dedup.NewIndex(10),
			}
			tt.mutate(&deps)
			assert.Error(t, NewServer(deps).Initialize())
		})
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s, _ := startServer(t, &fakePublisher{}, nil)
	assert.NoError(t, s.Start(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := startServer(t, &fakePublisher{}, nil)
	require.NoError(t, s.Stop(time.Second))
	assert.NoError(t, s.Stop(time.Second))
}

func TestStopClosesActiveConnections(t *testing.T) {
	s, _ := startServer(t, &fakePublisher{}, nil)

	conn := dial(t, s)
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(2*time.Second))

	// The handler is gone; the peer sees the socket close.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 0, s.ActiveConnections())
}

func TestAdmissionCap(t *testing.T) {
	s, m := startServer(t, &fakePublisher{}, func(c *Config) {
		c.MaxConnections = 1
	})

	first := dial(t, s)
	defer first.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Over the cap: accepted by the kernel, then closed without admission.
	second := dial(t, s)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 1, s.ActiveConnections())
	assert.Equal(t, float64(1), counterValue(t, m.ConnectionsRejected))
	assert.Equal(t, float64(1), counterValue(t, m.ConnectionsAccepted))
}

func TestAdmissionTokenConservation(t *testing.T) {
	s, _ := startServer(t, &fakePublisher{}, func(c *Config) {
		c.MaxConnections = 2
	})

	// Churn connections; every released token must come back.
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", s.Addr())
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}

	require.Eventually(t, func() bool { return s.ActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)

	// The full cap is available again.
	a := dial(t, s)
	defer a.Close()
	b := dial(t, s)
	defer b.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestIdleConnectionIsClosed(t *testing.T) {
	s, _ := startServer(t, &fakePublisher{}, func(c *Config) {
		c.IdleTimeout = 50 * time.Millisecond
	})

	conn := dial(t, s)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestHealthReporting(t *testing.T) {
	pub := &fakePublisher{}
	cfg := testConfig()
	monitor := health.NewMonitor()
	s := NewServer(ServerDeps{
		Config:    cfg,
		Publisher: pub,
		Dedup:     dedup.NewIndex(10),
		Monitor:   monitor,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))

	status, ok := monitor.Get(componentName)
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	require.NoError(t, s.Stop(time.Second))
	status, ok = monitor.Get(componentName)
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())
}
