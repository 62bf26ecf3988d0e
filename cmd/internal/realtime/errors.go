package realtime

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the realtime core. Use errors.Is to classify.
var (
	ErrValidation      = errors.New("validation")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrPersistence     = errors.New("persistence")
	ErrDelivery        = errors.New("delivery")
	ErrExternalService = errors.New("external service")

	ErrBackpressure = errors.New("send queue full")
	ErrClientClosed = errors.New("client closed")
)

// OpError wraps a failure with its operation and kind.
// Both Kind and the underlying Err are reachable through errors.Is / errors.As.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, err error) error { return &OpError{Op: op, Kind: kind, Err: err} }

// DeliveryError reports one connection's failed delivery during a broadcast.
type DeliveryError struct {
	ConnID string
	RoomID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s in room %s: %v", e.ConnID, e.RoomID, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

// errorCode maps an error to the stable code sent in error envelopes and HTTP bodies.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	case errors.Is(err, ErrExternalService):
		return "upstream_failed"
	default:
		return "internal"
	}
}

// ErrorCode is the exported form of errorCode for HTTP handlers.
func ErrorCode(err error) string { return errorCode(err) }
