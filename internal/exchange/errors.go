package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind is the internal taxonomy every venue failure maps onto.
type ErrorKind string

const (
	ErrRateLimited        ErrorKind = "RATE_LIMITED"
	ErrAuth               ErrorKind = "AUTH_ERROR"
	ErrInsufficientMargin ErrorKind = "INSUFFICIENT_MARGIN"
	ErrPrecision          ErrorKind = "PRECISION_ERROR"
	ErrReduceOnlyRejected ErrorKind = "REDUCE_ONLY_REJECTED"
	ErrPositionClosed     ErrorKind = "POSITION_CLOSED"
	ErrNetworkTimeout     ErrorKind = "NETWORK_TIMEOUT"
	ErrUnknown            ErrorKind = "UNKNOWN"
)

// ExchangeError is a typed venue failure. Code carries the raw venue error
// code when one was returned (-2019, -1111, -4061, ...), zero otherwise.
type ExchangeError struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange %s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the gateway may transparently retry.
func (e *ExchangeError) Retryable() bool {
	return e.Kind == ErrRateLimited || e.Kind == ErrNetworkTimeout
}

// newError builds a typed error from a venue error code and message.
func newError(code int, message string) *ExchangeError {
	return &ExchangeError{Kind: kindForCode(code), Code: code, Message: message}
}

func kindForCode(code int) ErrorKind {
	switch code {
	case -1003, -1015:
		return ErrRateLimited
	case -1022, -2014, -2015:
		return ErrAuth
	case -2019:
		return ErrInsufficientMargin
	case -1111, -1013, -4164:
		return ErrPrecision
	case -2022:
		return ErrReduceOnlyRejected
	case -4061, -2011:
		return ErrPositionClosed
	case -1001, -1007:
		return ErrNetworkTimeout
	default:
		return ErrUnknown
	}
}

// KindOf extracts the taxonomy kind from any error chain.
func KindOf(err error) ErrorKind {
	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
