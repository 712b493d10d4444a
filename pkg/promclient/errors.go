package promclient

import (
	"errors"
	"fmt"
)

var (
	// ErrQueryFailed matches every QueryError
	ErrQueryFailed = errors.New("prometheus query failed")
	// ErrCircuitOpen is returned without a network attempt while the breaker is open
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrInvalidConfig is returned by New for an unusable Config
	ErrInvalidConfig = errors.New("invalid prometheus client config")
	// ErrInvalidRange is returned by QueryRange for an empty or inverted range
	ErrInvalidRange = errors.New("invalid query range")
)

// Reason classifies a query failure
type Reason string

const (
	ReasonTransport   Reason = "transport"
	ReasonStatus      Reason = "status"
	ReasonCircuitOpen Reason = "circuit_open"
)

// QueryError is the single error kind returned by Query and QueryRange
type QueryError struct {
	Op         string
	Reason     Reason
	StatusCode int
	Attempts   int
	Err        error
}

func (e *QueryError) Error() string {
	switch e.Reason {
	case ReasonCircuitOpen:
		return fmt.Sprintf("%s: %s", e.Op, ErrCircuitOpen)
	case ReasonStatus:
		return fmt.Sprintf("%s failed after %d attempts: unexpected status %d", e.Op, e.Attempts, e.StatusCode)
	default:
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is reports ErrQueryFailed for every reason and ErrCircuitOpen for the
// circuit reason only.
func (e *QueryError) Is(target error) bool {
	switch target {
	case ErrQueryFailed:
		return true
	case ErrCircuitOpen:
		return e.Reason == ReasonCircuitOpen
	}
	return false
}
