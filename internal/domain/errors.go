package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAssetMismatch       = errors.New("asset mismatch")
	ErrRoundMismatch       = errors.New("round mismatch")
	ErrOwnerMismatch       = errors.New("owner mismatch")
	ErrInstanceMismatch    = errors.New("instance mismatch")
	ErrOrderClosed         = errors.New("order already closed")
	ErrDoubleWithdrawal    = errors.New("withdrawal already pending")
	ErrWalletNotRegistered = errors.New("wallet not registered")
	ErrAssetNotRegistered  = errors.New("asset not registered")
	ErrAlreadyRecovered    = errors.New("wallet already recovered")
	ErrHalted              = errors.New("anchor contract halted")
	ErrLockHeld            = errors.New("lock already held")
	ErrSigningFailed       = errors.New("signing failed")
)
