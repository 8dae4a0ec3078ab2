package broker

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a broker failure so the relay loop can decide between
// retrying and giving up.
type Kind int

const (
	// Transient failures (network blips, throttling, broker restarts) are retried.
	Transient Kind = iota
	// Fatal failures (bad credentials, missing topic or subscription) are not.
	Fatal
	// Canceled means the caller's context ended; it is a shutdown, not a failure.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified failure from a broker operation.
type Error struct {
	Kind Kind
	// Op is the broker operation that failed, e.g. "pull", "ack", "connect".
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an explicit kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify reports the kind of err. Context errors are Canceled, classified
// *Error values report their own kind, and anything else is Transient.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Transient
}

// grpcError classifies a gRPC status error from the Pub/Sub API.
func grpcError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated,
		codes.InvalidArgument, codes.FailedPrecondition:
		return NewError(Fatal, op, err)
	case codes.Canceled:
		return NewError(Canceled, op, err)
	default:
		return NewError(Transient, op, err)
	}
}
