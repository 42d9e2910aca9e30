package ripio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

type StreamKind string

const (
	StreamOrderbook StreamKind = "orderbook"
	StreamTrades    StreamKind = "trades"
)

// FrameHandler receives the decoded payload of an acknowledged frame. A
// *DecodeError return is logged and the stream continues; any other error
// ends the connection attempt.
type FrameHandler interface {
	Handle(ctx context.Context, payload []byte, received time.Time) error
}

type StreamConfig struct {
	URL              string
	ConsumerID       string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReadBufferBytes  int
}

// StreamConsumer reads one acknowledged stream of one pair.
type StreamConsumer struct {
	cfg     StreamConfig
	kind    StreamKind
	pair    models.TradingPair
	handler FrameHandler
	dialer  *websocket.Dialer
	log     *logger.Log

	onConnect func(ctx context.Context)
}

func NewStreamConsumer(cfg StreamConfig, kind StreamKind, pair models.TradingPair, handler FrameHandler) *StreamConsumer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &StreamConsumer{
		cfg:     cfg,
		kind:    kind,
		pair:    pair,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferBytes,
		},
		log: logger.GetLogger(),
	}
}

// Endpoint is {url}{kind}_{pair lower}/{consumer id}.
func (s *StreamConsumer) Endpoint() string {
	return fmt.Sprintf("%s%s_%s/%s", s.cfg.URL, s.kind, s.pair.Topic(), s.cfg.ConsumerID)
}

func (s *StreamConsumer) Kind() StreamKind { return s.kind }

// OnConnect registers fn to run after each successful handshake, before the
// first frame is read.
func (s *StreamConsumer) OnConnect(fn func(ctx context.Context)) { s.onConnect = fn }

// Consume runs one connection attempt. It returns ctx.Err() on cancellation
// and a *TransportError when the connection fails, times out or closes.
// Every frame is acknowledged before its payload is decoded and forwarded.
func (s *StreamConsumer) Consume(ctx context.Context) error {
	endpoint := s.Endpoint()
	session := uuid.NewString()
	log := s.log.WithComponent("stream_consumer").WithFields(logger.Fields{
		"pair":    s.pair,
		"stream":  s.kind,
		"session": session,
	})

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &TransportError{Op: "dial " + string(s.kind), Pair: s.pair, StatusCode: status, Err: err}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.WithField("endpoint", endpoint).Info("stream connected")
	if s.onConnect != nil {
		s.onConnect(ctx)
	}

	pair, stream := s.pair.String(), string(s.kind)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.readError(err)
		}
		received := time.Now()
		metrics.StreamFrames.WithLabelValues(pair, stream).Inc()
		metrics.RecordChannelMessage(stream+"_ws", len(data))

		var frame models.StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.MessageID == "" {
			if err == nil {
				err = errors.New("frame has no messageId")
			}
			s.decodeFailed(log, &DecodeError{Kind: "envelope", Err: err})
			continue
		}

		if err := s.ack(conn, frame.MessageID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "ack " + stream, Pair: s.pair, Err: err}
		}
		metrics.StreamAcks.WithLabelValues(pair, stream).Inc()

		payload, err := base64.StdEncoding.DecodeString(frame.Payload)
		if err != nil {
			s.decodeFailed(log, &DecodeError{Kind: "payload", Err: err})
			continue
		}

		if err := s.handler.Handle(ctx, payload, received); err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				s.decodeFailed(log, decodeErr)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (s *StreamConsumer) ack(conn *websocket.Conn, messageID string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(models.Ack{MessageID: messageID})
}

func (s *StreamConsumer) decodeFailed(log *logger.Entry, err *DecodeError) {
	metrics.StreamDecodeErrors.WithLabelValues(s.pair.String(), string(s.kind)).Inc()
	log.WithError(err).Warn("dropping undecodable frame")
}

func (s *StreamConsumer) readError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Op: "read " + string(s.kind), Pair: s.pair, Err: fmt.Errorf("%w after %s: %w", ErrReadTimeout, s.cfg.ReadTimeout, err)}
	}
	// close frames, EOF and reset connections all end the session
	return &TransportError{Op: "read " + string(s.kind), Pair: s.pair, Err: fmt.Errorf("%w: %w", ErrStreamClosed, err)}
}
