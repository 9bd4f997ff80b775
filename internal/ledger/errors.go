package ledger

import "errors"

// Protocol errors. Callers match these with errors.Is; the gateway maps
// them to stable wire codes.
var (
	// Validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// Insufficient resource.
	ErrInsufficientCapacity   = errors.New("insufficient agent capacity")
	ErrInsufficientDeposit    = errors.New("penalty exceeds remaining deposit")
	ErrExceedsMaxWithdrawable = errors.New("amount exceeds max withdrawable")
	ErrUnsafeWithdrawal       = errors.New("withdrawal no longer covered by live capacity")
	ErrInsufficientBalance    = errors.New("insufficient wallet balance")

	// State conflict.
	ErrInvalidReservationState = errors.New("reservation already finalized")
	ErrDisputeAlreadyResolved  = errors.New("dispute already resolved")
	ErrEscrowAlreadyOpen       = errors.New("escrow already open for burn request")
	ErrAlreadyTransitioned     = errors.New("record already transitioned")
	ErrWalletFrozen            = errors.New("wallet is frozen")
	ErrAgentNotTransactable    = errors.New("agent cannot take new requests")

	// Lookup.
	ErrNotFound = errors.New("not found")
)
