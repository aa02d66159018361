package application

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation is returned for operation names the dispatcher
	// does not know.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrApprovalRequired gates every mutating operation.
	ErrApprovalRequired = errors.New("operation requires auto_approve")
	// ErrInvalidArguments wraps schema-validation failures.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrConfiguration marks failures that must not be retried: missing
	// signer key, missing durable store.
	ErrConfiguration = errors.New("configuration error")
	// ErrTradeNotFound is returned by receipts lookups.
	ErrTradeNotFound = errors.New("trade not found")
	// ErrProtocolInvalid marks a counterparty message that failed a
	// verification gate. Never retried.
	ErrProtocolInvalid = errors.New("protocol violation")
)

// TransientError marks a transport/chain/LN call failure the caller may
// retry under the watchdog's bounded cooldown policy.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %s", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
