package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Standardized venue errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrWouldMatch            = errors.New("limit maker order would immediately match")
	ErrMissingCredentials    = errors.New("missing api credentials")
)

// Engine-level errors
var (
	ErrNotFound         = errors.New("not found")
	ErrSignalConsumed   = errors.New("signal already consumed")
	ErrPositionNotFound = errors.New("position not found")
	ErrLotNotFound      = errors.New("lot not found")
	ErrHalted           = errors.New("trading halted")
	ErrNotRunning       = errors.New("engine not running")
	ErrAlreadyRunning   = errors.New("engine already running")
)

// GatewayError carries the transport status and the venue error envelope
// for a failed exchange call.
type GatewayError struct {
	Status    int    // HTTP status, 0 when the request never completed
	VenueCode int    // venue error code, e.g. -1003
	Message   string // venue message or transport error text
}

func (e *GatewayError) Error() string {
	if e.VenueCode != 0 {
		return fmt.Sprintf("gateway error: status=%d code=%d msg=%s", e.Status, e.VenueCode, e.Message)
	}
	return fmt.Sprintf("gateway error: status=%d msg=%s", e.Status, e.Message)
}

// Retriable reports whether the call may be retried under the gateway's
// backoff policy: HTTP 429/503 or venue codes -1003/-1006.
func (e *GatewayError) Retriable() bool {
	if e.Status == 429 || e.Status == 503 {
		return true
	}
	return e.VenueCode == -1003 || e.VenueCode == -1006
}

// Unwrap maps well-known venue codes onto sentinel errors so callers can
// test with errors.Is without knowing the numeric codes.
func (e *GatewayError) Unwrap() error {
	switch e.VenueCode {
	case -1003:
		return ErrRateLimitExceeded
	case -1006:
		return ErrNetwork
	case -1021:
		return ErrTimestampOutOfBounds
	case -1013, -1111:
		return ErrInvalidOrderParameter
	case -2010:
		return ErrWouldMatch
	case -2011:
		return ErrOrderNotFound
	case -2015:
		return ErrAuthenticationFailed
	}
	if e.Status == 429 {
		return ErrRateLimitExceeded
	}
	if e.Status == 401 || e.Status == 403 {
		return ErrAuthenticationFailed
	}
	return nil
}

// FilterError reports every exchange-filter rule an order violates.
// It is never retriable; the order is recorded REJECTED.
type FilterError struct {
	Symbol     string
	Violations []string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter validation failed for %s: %s", e.Symbol, strings.Join(e.Violations, "; "))
}

// RiskBlocked is returned by the pre-trade gate chain. Gate names the gate
// that refused ("entry_sanity", "stop_required", "price_drift", "heat",
// "cooldown", "playbook_cap", "halt", "reserve").
type RiskBlocked struct {
	Gate   string
	Reason string
}

func (e *RiskBlocked) Error() string {
	return fmt.Sprintf("risk blocked [%s]: %s", e.Gate, e.Reason)
}

// ExecutionError marks a fill that was observed on the venue but could not
// be reconciled into local books. Fatal for the affected order.
type ExecutionError struct {
	ClientOrderID string
	Reason        string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error for %s: %s", e.ClientOrderID, e.Reason)
}

// StateInvariantError aborts an operation that would violate a ledger
// invariant. State must not have been mutated when it is returned.
type StateInvariantError struct {
	Invariant string
	Detail    string
}

func (e *StateInvariantError) Error() string {
	return fmt.Sprintf("state invariant violated (%s): %s", e.Invariant, e.Detail)
}

// ConfigError reports a missing or malformed configuration variable.
// Fatal at boot; the process exits with the variable named.
type ConfigError struct {
	Variable string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Variable, e.Reason)
}
