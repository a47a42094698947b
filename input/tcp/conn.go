package tcp

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fleetgate/dedup"
	"github.com/c360/fleetgate/errors"
	"github.com/c360/fleetgate/metric"
	"github.com/c360/fleetgate/publisher"
	"github.com/c360/fleetgate/router"
	"github.com/c360/fleetgate/wire"
)

// connHandler processes one admitted connection: it reads chunks from the
// socket, feeds them to the frame decoder, and runs every completed frame
// through the parse, dedup, classify, and publish pipeline. Frame-level
// errors are recoverable; framing overflow and socket errors end the
// connection.
type connHandler struct {
	srv      *Server
	conn     net.Conn
	dec      *wire.Decoder
	shutdown <-chan struct{}
	logger   *slog.Logger
}

func newConnHandler(s *Server, conn net.Conn) *connHandler {
	return &connHandler{
		srv:      s,
		conn:     conn,
		dec:      wire.NewDecoder(s.cfg.MaxPendingBytes),
		shutdown: s.shutdown,
		logger:   s.logger.With("remote", conn.RemoteAddr().String()),
	}
}

func (h *connHandler) run(ctx context.Context) {
	h.logger.Debug("connection opened")
	buf := make([]byte, h.srv.cfg.ReadBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		default:
		}

		if h.srv.cfg.IdleTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.srv.cfg.IdleTimeout))
		}

		n, err := h.conn.Read(buf)
		if n > 0 {
			if h.srv.metrics != nil {
				h.srv.metrics.BytesReceived.Add(float64(n))
			}
			if done := h.drain(ctx, buf[:n]); done {
				return
			}
		}
		if err != nil {
			switch {
			case err == io.EOF:
				h.logger.Debug("connection closed by peer")
			case isTimeout(err):
				h.logger.Info("closing idle connection", "idle_timeout", h.srv.cfg.IdleTimeout)
			default:
				h.srv.connErrors.Add(1)
				h.logger.Warn("read failed", "error", err)
			}
			return
		}
	}
}

// drain feeds a chunk to the decoder and processes every completed frame.
// It returns true when the connection must close.
func (h *connHandler) drain(ctx context.Context, chunk []byte) bool {
	h.dec.Feed(chunk)
	for {
		frame, err := h.dec.Next()
		if err != nil {
			// Overflow is the only decoder error and it is fatal for the
			// connection.
			h.logger.Error("closing connection", "error", err,
				"pending_bytes", h.dec.Pending())
			return true
		}
		if frame == nil {
			return false
		}
		if err := h.processFrame(ctx, frame); err != nil {
			return true
		}
	}
}

// processFrame runs one frame through the pipeline. A nil return means the
// connection continues, whether the frame was published, dropped as a
// duplicate, or rejected as invalid. A non-nil return closes the connection.
func (h *connHandler) processFrame(ctx context.Context, frame []byte) error {
	start := time.Now()
	h.srv.framesProcessed.Add(1)

	msg, err := wire.Parse(frame)
	if err != nil {
		if h.srv.metrics != nil {
			h.srv.metrics.RecordInvalid(invalidReason(err))
		}
		h.logger.Warn("dropping unparseable frame", "error", err)
		return nil
	}

	if h.srv.dedup.Observe(msg.DeviceID, msg.Counter) == dedup.Duplicate {
		if h.srv.metrics != nil {
			h.srv.metrics.RecordDuplicate()
		}
		h.logger.Debug("dropping duplicate",
			"device_id", msg.DeviceID, "counter", msg.Counter)
		return nil
	}

	class := router.Classify(msg.Type)
	if class == router.ClassIgnore {
		if h.srv.metrics != nil {
			h.srv.metrics.RecordInvalid(metric.ReasonUnknownType)
		}
		h.logger.Warn("dropping message",
			"device_id", msg.DeviceID, "message_type", msg.Type,
			"error", errors.ErrUnknownMessageType)
		return nil
	}

	correlationID := uuid.NewString()
	headers := router.Headers()
	headers[publisher.CorrelationHeader] = correlationID

	var topic string
	var value []byte
	if class == router.ClassDeviceMessage {
		topic = h.srv.cfg.MessageTopic
		value, err = router.EncodeEnvelope(msg, correlationID)
		if err != nil {
			if h.srv.metrics != nil {
				h.srv.metrics.RecordInvalid("encoding")
			}
			h.logger.Error("envelope encoding failed", "error", err)
			return nil
		}
	} else {
		topic = h.srv.cfg.EventTopic
		value = router.EncodeEvent(msg)
	}

	pubStart := time.Now()
	pubErr := h.srv.pub.Publish(ctx, topic, msg.DeviceID.String(), value, headers)
	if h.srv.metrics != nil {
		h.srv.metrics.RecordPublishDuration(topic, time.Since(pubStart))
	}

	if pubErr != nil {
		if h.srv.metrics != nil {
			h.srv.metrics.RecordPublishError(topic, errors.Classify(pubErr).String())
		}
		h.logger.Error("publish failed",
			"topic", topic, "device_id", msg.DeviceID,
			"correlation_id", correlationID, "error", pubErr)
		if h.srv.cfg.DisconnectOnPublishError {
			return pubErr
		}
		return nil
	}

	if h.srv.metrics != nil {
		h.srv.metrics.RecordProcessed(class == router.ClassDeviceMessage)
		h.srv.metrics.RecordProcessingDuration(
			strconv.Itoa(int(msg.Type)), time.Since(start))
	}
	h.logger.Debug("published",
		"topic", topic, "device_id", msg.DeviceID,
		"counter", msg.Counter, "correlation_id", correlationID)
	return nil
}

// invalidReason maps a parse error onto its metric label.
func invalidReason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrBadSync):
		return metric.ReasonBadSync
	case stderrors.Is(err, errors.ErrFrameTooShort):
		return metric.ReasonFrameTooShort
	default:
		return metric.ReasonLengthMismatch
	}
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
