package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetgate/errors"
	"github.com/c360/fleetgate/natsclient"
)

// AcksPolicy selects the delivery guarantee for published messages.
type AcksPolicy string

const (
	// AcksAll publishes through JetStream and waits for the broker ack.
	AcksAll AcksPolicy = "all"
	// AcksNone publishes fire-and-forget over core NATS.
	AcksNone AcksPolicy = "none"
)

// KeyHeader carries the partitioning key on the published message.
const KeyHeader = "Fleetgate-Key"

// CorrelationHeader is the header the gateway propagates correlation ids in.
// When idempotence is enabled its value doubles as the broker-side message id.
const CorrelationHeader = "correlationId"

// NATSConfig configures the JetStream publisher adapter.
type NATSConfig struct {
	// Timeout bounds each publish call. Defaults to 30s.
	Timeout time.Duration
	// Acks selects the delivery guarantee. Defaults to AcksAll.
	Acks AcksPolicy
	// Idempotence sets a broker-side message id from the correlation header
	// so JetStream can deduplicate redeliveries.
	Idempotence bool
}

// NATSPublisher publishes to NATS subjects through a shared client. It is
// safe for concurrent use by many connection handlers.
type NATSPublisher struct {
	client *natsclient.Client
	cfg    NATSConfig
	logger *slog.Logger
}

// NewNATSPublisher creates the JetStream publisher adapter.
func NewNATSPublisher(client *natsclient.Client, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil NATS client"),
			"NATSPublisher", "NewNATSPublisher", "client validation")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Acks == "" {
		cfg.Acks = AcksAll
	}
	if logger == nil {
		logger = slog.Default().With("component", "nats-publisher")
	}

	return &NATSPublisher{client: client, cfg: cfg, logger: logger}, nil
}

// Publish delivers value to the subject named by topic. The key and caller
// headers ride along as NATS message headers.
func (p *NATSPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers Headers) error {
	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{},
	}
	msg.Header.Set(KeyHeader, key)
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	switch p.cfg.Acks {
	case AcksNone:
		conn := p.client.GetConnection()
		if conn == nil || !conn.IsConnected() {
			return errors.WrapTransient(natsclient.ErrNotConnected,
				"NATSPublisher", "Publish", "core publish")
		}
		if err := conn.PublishMsg(msg); err != nil {
			return errors.WrapTransient(err, "NATSPublisher", "Publish", "core publish")
		}
		return nil

	default:
		js, err := p.client.JetStream()
		if err != nil {
			return err
		}

		var opts []jetstream.PublishOpt
		if p.cfg.Idempotence {
			if id := msg.Header.Get(CorrelationHeader); id != "" {
				opts = append(opts, jetstream.WithMsgID(id))
			}
		}

		if _, err := js.PublishMsg(ctx, msg, opts...); err != nil {
			return errors.WrapTransient(err, "NATSPublisher", "Publish", "jetstream publish")
		}
		return nil
	}
}

// Flush drains buffered outbound messages to the server.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close drains and closes the underlying connection.
func (p *NATSPublisher) Close(ctx context.Context) error {
	p.logger.Info("closing publisher", "acks", string(p.cfg.Acks))
	return p.client.Close(ctx)
}

var _ Publisher = (*NATSPublisher)(nil)
