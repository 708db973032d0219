package core

import "errors"

// Error kinds surfaced by every core operation.
// Callers match them with errors.Is; the wrapped message carries the detail.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("order not found")
	ErrAlreadyExecuted     = errors.New("order already executed")
	ErrNotYetExecutable    = errors.New("order not yet executable")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("arithmetic overflow")
	ErrExternalCallFailed  = errors.New("external call failed")
	ErrReentrantCall       = errors.New("reentrant call")
)

// Kind returns the sentinel error kind wrapped by err, or nil if err is not a core error.
func Kind(err error) error {
	for _, k := range []error{
		ErrUnauthorized,
		ErrNotFound,
		ErrAlreadyExecuted,
		ErrNotYetExecutable,
		ErrInsufficientBalance,
		ErrOverflow,
		ErrExternalCallFailed,
		ErrReentrantCall,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
