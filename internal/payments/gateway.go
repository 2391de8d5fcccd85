package payments

import (
	"context"
	"errors"
	"fmt"
)

// Gateway places, captures and reverses holds on an external payment
// processor. Every operation is keyed by a caller-supplied idempotency key and
// repeating a call with the same key yields the original outcome.
type Gateway interface {
	PlaceHold(ctx context.Context, req HoldRequest) (Result, error)
	Capture(ctx context.Context, idempotencyKey string) (Result, error)
	Reverse(ctx context.Context, idempotencyKey string) (Result, error)
}

type HoldRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	Source         string
	Destination    string
}

// Result is the processor's answer to a successful operation.
type Result struct {
	Reference string `json:"reference"`
	Code      string `json:"code"`
	// Replayed is set when the outcome came from an earlier call with the same key.
	Replayed bool `json:"-"`
}

type ErrorKind int

const (
	Transient ErrorKind = iota + 1
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var (
	ErrTransient = errors.New("gateway transient failure")
	ErrPermanent = errors.New("gateway permanent failure")
)

// GatewayError is a failed processor call. Transient errors (network, timeout,
// 5xx) may be retried with the same key; permanent ones (declines, invalid
// instruments) may not.
type GatewayError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s error", e.Kind)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrPermanent:
		return e.Kind == Permanent
	}
	return false
}

func TransientError(code string, err error) *GatewayError {
	return &GatewayError{Kind: Transient, Code: code, Err: err}
}

func PermanentError(code, message string) *GatewayError {
	return &GatewayError{Kind: Permanent, Code: code, Message: message}
}

// Code extracts the processor response code from err, or "" if none.
func Code(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
