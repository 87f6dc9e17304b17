package routing

import (
	"errors"
	"fmt"
)

// ErrContractViolation marks caller bugs. These are returned to the caller and
// never turned into protocol messages.
var ErrContractViolation = errors.New("routing contract violation")

var (
	ErrNilMessage            = fmt.Errorf("%w: nil message", ErrContractViolation)
	ErrUnsupportedMessage    = fmt.Errorf("%w: unsupported message", ErrContractViolation)
	ErrMissingTransactionID  = fmt.Errorf("%w: missing transaction id", ErrContractViolation)
	ErrDuplicateTransaction  = fmt.Errorf("%w: duplicate transaction id", ErrContractViolation)
	ErrUnknownSubscription   = fmt.Errorf("%w: unknown subscription", ErrContractViolation)
	ErrAlreadyUnsubscribing  = fmt.Errorf("%w: subscription is already being cancelled", ErrContractViolation)
	ErrUnknownAdapter        = fmt.Errorf("%w: unknown adapter", ErrContractViolation)
	ErrSessionChangeInFlight = fmt.Errorf("%w: connect or disconnect already in progress", ErrContractViolation)
)

var (
	ErrNoEligibleAdapters   = errors.New("no adapters available")
	ErrAdapterUnavailable   = errors.New("adapter unavailable")
	ErrNoOrderRoute         = errors.New("no adapter can route the order")
	ErrConnectionLost       = errors.New("adapter connection lost")
	ErrAdapterDisconnected  = errors.New("adapter disconnected")
	ErrPendingLimitExceeded = errors.New("pending message limit exceeded")
	ErrSessionClosed        = errors.New("session disconnected")
)
