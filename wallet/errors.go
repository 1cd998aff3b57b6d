package wallet

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDerivationPath indicates a malformed HD derivation path.
	ErrInvalidDerivationPath = errors.New("wallet: invalid derivation path")

	// ErrInsufficientFunds indicates the funding wallet cannot cover the payments.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrFeeExceedsAvailable indicates the fee leaves no room for a non-negative change output.
	ErrFeeExceedsAvailable = errors.New("wallet: fee exceeds available balance")

	// ErrUnbalancedTransaction indicates inputs != outputs + fee after construction.
	// It is a bug, never a user error.
	ErrUnbalancedTransaction = errors.New("wallet: unbalanced transaction")
)

// InsufficientFundsError reports the exact shortfall so the caller can top up and re-run
type InsufficientFundsError struct {
	Available int64
	Required  int64
}

// Shortfall is the number of satoshis missing
func (e *InsufficientFundsError) Shortfall() int64 {
	return e.Required - e.Available
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: have %d, need %d (missing %d satoshis)",
		e.Available, e.Required, e.Shortfall())
}

// Is lets errors.Is match ErrInsufficientFunds
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// FeeExceedsAvailableError is returned when available - required - fee < 0
type FeeExceedsAvailableError struct {
	Available int64
	Required  int64
	Fee       int64
}

func (e *FeeExceedsAvailableError) Error() string {
	return fmt.Sprintf("fee %d exceeds available balance: have %d, payments need %d (change would be %d)",
		e.Fee, e.Available, e.Required, e.Available-e.Required-e.Fee)
}

// Is lets errors.Is match ErrFeeExceedsAvailable
func (e *FeeExceedsAvailableError) Is(target error) bool {
	return target == ErrFeeExceedsAvailable
}
