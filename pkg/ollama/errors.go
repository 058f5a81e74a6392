package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure kinds. Every error returned by Client wraps exactly one of them,
// except when the caller's own context was cancelled.
var (
	ErrUnavailable = errors.New("inference service unavailable")
	ErrTimeout     = errors.New("inference service timed out")
	ErrProtocol    = errors.New("inference service protocol error")
)

// errCallTimeout is the cancellation cause of a per-call deadline, which tells
// it apart from the caller going away.
var errCallTimeout = errors.New("upstream call deadline exceeded")

// StatusError is a non-2xx reply from the inference service.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: inference service returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: inference service returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unwrap makes StatusError match ErrProtocol.
func (e *StatusError) Unwrap() error { return ErrProtocol }

// classify maps a transport error onto a failure kind. ctx is the per-call
// context whose cause distinguishes our deadline from caller cancellation.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(context.Cause(ctx), errCallTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func protocolError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
}

// Outcome labels err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
