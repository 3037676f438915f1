package ledger

import (
	"errors"
	"fmt"
)

// ErrInsufficientBalance is the sentinel callers match with errors.Is to
// block the AI call. No partial charge is ever applied on this path.
var ErrInsufficientBalance = errors.New("insufficient battery balance")

// InsufficientBalanceError carries the balance details the API layer needs
// to render an upgrade prompt.
type InsufficientBalanceError struct {
	UserID  string
	Balance int64
	Cost    int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient battery balance for user %s: have %d, need %d", e.UserID, e.Balance, e.Cost)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
