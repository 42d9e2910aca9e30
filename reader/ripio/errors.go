package ripio

import (
	"errors"
	"fmt"

	"bookflow/models"
)

var (
	ErrReadTimeout      = errors.New("stream read timeout")
	ErrStreamClosed     = errors.New("stream closed")
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// TransportError is a failure talking to the exchange: dial, read, write,
// timeout, non-2xx response or an unreadable body. It is always retryable.
type TransportError struct {
	Op         string
	Pair       models.TradingPair
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := "ripio " + e.Op
	if e.Pair != "" {
		msg += " " + e.Pair.String()
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a malformed frame or payload. The frame it came from has
// already been acknowledged.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
