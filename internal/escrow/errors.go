package escrow

import (
	"errors"
	"fmt"
)

// Failure classes surfaced to callers. Contract level guards arrive wrapped in
// a *RevertError, which matches both ErrReverted and its own class.
var (
	ErrWalletUnavailable = errors.New("wallet unavailable")
	ErrUserRejected      = errors.New("user rejected the wallet request")
	ErrAbandoned         = errors.New("wallet request abandoned before broadcast")
	ErrInvalidParams     = errors.New("invalid escrow parameters")
	ErrNetwork           = errors.New("network error")

	ErrReverted          = errors.New("transaction reverted")
	ErrUnauthorized      = errors.New("unauthorized caller")
	ErrInvalidState      = errors.New("invalid escrow state")
	ErrDeadlineExpired   = errors.New("deadline expired")
	ErrPermitInvalid     = errors.New("permit invalid")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNonceReuse        = errors.New("permit nonce already used")
)

// RevertError is a state-changing call rejected by the contract, either at
// gas estimation (nothing broadcast) or after mining.
type RevertError struct {
	Method string
	Reason string
	// Kind is one of the contract guard sentinels, or nil when the reason
	// could not be classified.
	Kind error
	// Mined is true when the failing transaction made it into a block.
	Mined bool
}

func (e *RevertError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("%s rejected by contract: %s", e.Method, reason)
}

func (e *RevertError) Unwrap() []error {
	if e.Kind == nil {
		return []error{ErrReverted}
	}
	return []error{ErrReverted, e.Kind}
}

// IsRecoverable reports whether the user can simply try again: nothing was
// broadcast and nothing changed on chain.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrWalletUnavailable) ||
		errors.Is(err, ErrUserRejected) ||
		errors.Is(err, ErrAbandoned)
}
