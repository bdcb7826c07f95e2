package domain

import "errors"

var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderAlreadyTerminal = errors.New("order already terminal")
	ErrDuplicateOrder       = errors.New("duplicate order id")
	ErrNotOwner             = errors.New("order belongs to another trader")
	ErrTraderNotFound       = errors.New("trader not found")
	ErrInvalidTrader        = errors.New("invalid trader")
	ErrInsufficientFunds    = errors.New("insufficient balance")
	ErrInvariantViolation   = errors.New("book invariant violated")
	ErrEngineHalted         = errors.New("engine halted")
)
