// Package natsclient manages the NATS connection used by the publisher:
// connection establishment with failure accounting, JetStream access, stream
// provisioning, and drain-aware shutdown.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetgate/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when an operation requires an established
// connection.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client manages a NATS connection and its JetStream context.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	compression   bool

	// Authentication
	username string
	password string
	token    string

	// Failure accounting
	failures   atomic.Int32
	reconnects atomic.Int32

	// Callbacks
	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default().With("component", "natsclient"),
		maxReconnects: -1, // infinite by default
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the connection failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Reconnects returns the number of reconnections observed
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// Connect establishes the connection to the NATS server and initializes the
// JetStream context.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "client closed")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	opts := c.buildConnectionOptions()

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.failures.Add(1)
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.failures.Add(1)
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("connected to NATS", "url", c.url)

	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.compression {
		opts = append(opts, nats.Compression(true))
	}

	return opts
}

// GetConnection returns the current NATS connection
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the JetStream stream if it does not already exist.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		c.failures.Add(1)
		return errors.WrapTransient(err, "Client", "EnsureStream",
			fmt.Sprintf("create stream %s", cfg.Name))
	}

	c.logger.Debug("stream ensured", "stream", cfg.Name, "subjects", cfg.Subjects)
	return nil
}

// Flush round-trips to the server, draining buffered outbound messages.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// Close drains and closes the NATS connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	var drainErr error
	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain timeout")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
		}

		c.conn.Close()
		c.conn = nil
		c.js = nil
	}

	// Clear credentials
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)
	return drainErr
}

// Event handlers for NATS connection state changes
func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.failures.Add(1)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	}

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.reconnects.Add(1)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS async error", "error", err)
}
