package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound   = errors.New("user_not_found")
	ErrInvalidAmount  = errors.New("invalid_amount")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrGrantDuplicate = errors.New("grant_already_applied")
)

// InsufficientBalanceError is an expected business outcome, not a fault. It
// carries the numbers clients need to render a top-up prompt.
type InsufficientBalanceError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Required)
}

// IsInsufficientBalance extracts the typed error if present.
func IsInsufficientBalance(err error) (*InsufficientBalanceError, bool) {
	var target *InsufficientBalanceError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
