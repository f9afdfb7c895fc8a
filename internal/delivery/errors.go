package delivery

import "fmt"

// The three-stage error taxonomy below is grounded on the teacher's
// internal/deliverymq/messagehandler.go: PreDeliveryError covers store
// or queue failures before a transport was ever invoked (event lookup,
// attempt-number lookup, fan-out bookkeeping and enqueueing);
// PostDeliveryError covers bookkeeping that failed after a transport
// outcome is already known (recording the attempt, scheduling a retry,
// decrementing the outstanding counter). A missing subscriber or
// binding, an unknown transport kind, an undecryptable header and a
// Deliver method error are not returned as errors at all: the engine
// records them as terminal attempts. DeliveryError is defined for the
// transport call itself, but no engine path currently returns it. Each
// wraps its cause with Unwrap so callers can errors.As through to the
// original error.

type PreDeliveryError struct{ err error }

func NewPreDeliveryError(err error) *PreDeliveryError { return &PreDeliveryError{err: err} }
func (e *PreDeliveryError) Error() string             { return fmt.Sprintf("pre-delivery error: %v", e.err) }
func (e *PreDeliveryError) Unwrap() error             { return e.err }

type DeliveryError struct{ err error }

func NewDeliveryError(err error) *DeliveryError { return &DeliveryError{err: err} }
func (e *DeliveryError) Error() string          { return fmt.Sprintf("delivery error: %v", e.err) }
func (e *DeliveryError) Unwrap() error          { return e.err }

type PostDeliveryError struct{ err error }

func NewPostDeliveryError(err error) *PostDeliveryError { return &PostDeliveryError{err: err} }
func (e *PostDeliveryError) Error() string              { return fmt.Sprintf("post-delivery error: %v", e.err) }
func (e *PostDeliveryError) Unwrap() error              { return e.err }
