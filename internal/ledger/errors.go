package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDisallowedAsset     = errors.New("disallowed asset")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientDebt    = errors.New("insufficient debt")
)

// InsufficiencyError reports the current and required amounts alongside
// the insufficiency class, so a caller can correct and resubmit.
type InsufficiencyError struct {
	Err  error
	Have *uint256.Int
	Need *uint256.Int
}

func (e *InsufficiencyError) Error() string {
	return fmt.Sprintf("%v: have=%s, need=%s", e.Err, e.Have.Dec(), e.Need.Dec())
}

func (e *InsufficiencyError) Unwrap() error {
	return e.Err
}

// Insufficient builds an InsufficiencyError. have and need are copied.
func Insufficient(err error, have, need *uint256.Int) error {
	return &InsufficiencyError{Err: err, Have: have.Clone(), Need: need.Clone()}
}
