package provider

import (
	"errors"
	"fmt"
	"net"
)

// Typed failures the orchestrator interprets; see the error taxonomy in the
// pipeline's status mapping.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnreachable  = errors.New("resource unreachable")
	ErrTimeout      = errors.New("operation timed out")
	ErrReadyTimeout = errors.New("readiness wait timed out")
)

// BillingError signals the provider rejected a resource size or tier for the
// account. It maps to requires_payment, never to a retry.
type BillingError struct {
	RequestedSizing string
	Message         string
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("billing restriction for sizing %q: %s", e.RequestedSizing, e.Message)
}

// IsTimeout reports whether the error is timeout-class: a wrapped ErrTimeout
// or a network timeout. The caller is expected to check whether the resource
// was nonetheless created before retrying creation.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// AsBilling extracts a billing restriction from an error chain
func AsBilling(err error) (*BillingError, bool) {
	var be *BillingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
