// Package fleetgate implements a TCP ingestion gateway for fleets of small
// devices.
//
// Devices hold long-lived TCP connections and push a stream of
// length-prefixed binary frames. The gateway frames the byte stream against a
// self-synchronizing wire protocol, validates and parses each frame,
// suppresses per-device duplicates, and routes every fresh message to one of
// two NATS JetStream subjects: a structured JSON envelope for device
// messages, or a raw payload projection for device events.
//
// # Architecture
//
// The pipeline is composed of small packages, leaves first:
//
//   - publisher: capability interface for the downstream log, plus the NATS
//     JetStream adapter
//   - metric: Prometheus registry, gateway instruments, and the HTTP
//     metrics/health endpoint
//   - dedup: in-memory per-device duplicate suppression
//   - wire: frame encoding, the stateful stream decoder, and the pure parser
//   - router: message classification and topic projections
//   - input/tcp: the acceptor and per-connection handlers with bounded
//     admission
//   - config, errors, health, pkg/retry: supporting infrastructure
//
// Connection handlers run one goroutine per admitted connection; work inside
// a handler is strictly sequential, which preserves per-device frame order.
// The dedup index and the publisher are shared leaves with internal
// synchronization.
//
// The protocol is one-way (device to gateway). The gateway never replies,
// never persists dedup state, and performs no authentication; it is deployed
// behind a trusted edge.
package fleetgate
