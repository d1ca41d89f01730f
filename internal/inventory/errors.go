package inventory

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCircuitOpen is returned for any operation against an endpoint whose
// circuit is open. Callers must not count it as an upstream failure.
var ErrCircuitOpen = errors.New("inventory: circuit breaker open")

// FailureKind classifies upstream errors for the cycle's counters
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailurePermanent
	FailureCircuitOpen
)

// UpstreamError wraps an upstream API failure with its classification
type UpstreamError struct {
	Kind       FailureKind
	StatusCode int
	Op         string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inventory %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("inventory %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsCircuitOpen reports whether err is (or wraps) the open-circuit rejection
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func classifyStatus(status int) FailureKind {
	if status >= 500 || status == 408 || status == 429 {
		return FailureTransient
	}
	return FailurePermanent
}
