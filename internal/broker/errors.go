package broker

import (
	"errors"
	"fmt"
)

// The closed error taxonomy every backend maps its failures into.
var (
	// ErrRateLimited marks a broker frequency-limit rejection. It is
	// retried automatically by the dispatcher and never surfaces to
	// strategy logic.
	ErrRateLimited = errors.New("broker: rate limited")

	// ErrSessionExpired marks stale credentials. The dispatcher
	// refreshes the session from the credential store and retries once.
	ErrSessionExpired = errors.New("broker: session expired")

	// ErrInstrumentNotFound marks a lookup miss when resolving a
	// logical instrument to a broker-native id.
	ErrInstrumentNotFound = errors.New("broker: instrument not found")

	// ErrNoActiveBroker marks a user with no usable broker record. It
	// aborts that user's participation, not the deployment.
	ErrNoActiveBroker = errors.New("broker: no active broker for user")
)

// RejectionError is a terminal broker/exchange rejection of an order
// (insufficient margin, price band, etc.). The order will never fill;
// the strategy continues with that leg unfilled.
type RejectionError struct {
	OrderID string
	Reason  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker: order %s rejected: %s", e.OrderID, e.Reason)
}

// TransientError wraps a failure worth one local retry: network
// timeouts, 5xx responses, malformed bodies.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("broker: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a frequency-limit rejection.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsRejection reports whether err is a terminal order rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsTransient reports whether err is worth a local retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError carries a raw HTTP failure from a broker endpoint before it
// is mapped into the taxonomy.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// mapHTTPError converts a raw HTTP failure into the closed taxonomy.
func mapHTTPError(err *APIError) error {
	switch {
	case err.Status == 429:
		return ErrRateLimited
	case err.Status == 401 || err.Status == 403:
		return ErrSessionExpired
	case err.Status >= 500:
		return &TransientError{Err: err}
	default:
		return err
	}
}
