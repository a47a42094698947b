// Package publisher defines the capability contract for the downstream
// distributed log and provides the NATS JetStream implementation.
//
// The gateway core depends only on the Publisher interface; production wiring
// injects the JetStream adapter and tests inject a double. The publisher is
// expected to provide its own idempotence and redelivery where supported; the
// core does not retry at this layer.
package publisher

import (
	"context"
)

// Headers are opaque key/value pairs carried alongside a published message.
type Headers map[string]string

// Publisher is the capability the gateway routes classified messages into.
// Implementations must be safe for concurrent use by many connection
// handlers.
type Publisher interface {
	// Publish delivers value to topic with the given partitioning key and
	// headers. It honors the context deadline and returns an error for both
	// transient and fatal delivery failures; callers classify via the errors
	// package.
	Publish(ctx context.Context, topic, key string, value []byte, headers Headers) error

	// Flush drains in-flight publishes, honoring the context deadline. Called
	// during shutdown.
	Flush(ctx context.Context) error

	// Close releases the publisher's resources.
	Close(ctx context.Context) error
}
