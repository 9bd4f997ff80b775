package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TokenType identifies a platform token.
type TokenType string

const (
	TokenNT   TokenType = "NT"
	TokenCT   TokenType = "CT"
	TokenUSDT TokenType = "USDT"
)

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	switch t {
	case TokenNT, TokenCT, TokenUSDT:
		return true
	}
	return false
}

// RateTable maps a token type to its USD conversion rate.
type RateTable map[TokenType]decimal.Decimal

// USD converts a token amount to its USD equivalent. Unknown tokens
// convert at 1:1 so a misconfigured table fails safe on value, not nil.
func (r RateTable) USD(token TokenType, amount decimal.Decimal) decimal.Decimal {
	if rate, ok := r[token]; ok {
		return amount.Mul(rate)
	}
	return amount
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentPending     AgentStatus = "pending"
	AgentUnderReview AgentStatus = "under_review"
	AgentApproved    AgentStatus = "approved"
	AgentActive      AgentStatus = "active"
	AgentSuspended   AgentStatus = "suspended"
)

// Agent is a capacity-bonded intermediary. Capacity fields are owned by
// the ledger store and must only change through the capacity accountant.
type Agent struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Status         AgentStatus     `json:"status"`
	Tier           int             `json:"tier"`
	Rating         float64         `json:"rating"`
	DepositUSD     decimal.Decimal `json:"deposit_usd"`
	OutstandingUSD decimal.Decimal `json:"outstanding_usd"`
	ReservedUSD    decimal.Decimal `json:"reserved_usd"`
	TotalMintedUSD decimal.Decimal `json:"total_minted"`
	TotalBurnedUSD decimal.Decimal `json:"total_burned"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AvailableCapacity is deposit minus outstanding tokens minus live
// reservations. It is derived, never stored.
func (a *Agent) AvailableCapacity() decimal.Decimal {
	return a.DepositUSD.Sub(a.OutstandingUSD).Sub(a.ReservedUSD)
}

// CanTransact reports whether the agent may take new reservations.
func (a *Agent) CanTransact() bool {
	return a.Status == AgentActive || a.Status == AgentApproved
}

// Wallet holds a user's balance in one token type. PendingBalance is the
// portion of Balance locked in open escrows.
type Wallet struct {
	UserID         uuid.UUID       `json:"user_id"`
	Token          TokenType       `json:"token_type"`
	Balance        decimal.Decimal `json:"balance"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	Frozen         bool            `json:"is_frozen"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Available is the spendable portion of the balance.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.PendingBalance)
}

// ReservationKind says what a capacity reservation backs.
type ReservationKind string

const (
	ReserveMint ReservationKind = "mint"
	ReserveBurn ReservationKind = "burn"
)

// ReservationState is the lifecycle of a capacity reservation.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a held slice of an agent's capacity. It must end as
// exactly one of committed or released.
type Reservation struct {
	ID        uuid.UUID        `json:"id"`
	AgentID   uuid.UUID        `json:"agent_id"`
	AmountUSD decimal.Decimal  `json:"amount_usd"`
	Kind      ReservationKind  `json:"kind"`
	State     ReservationState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RequestStatus is the lifecycle state of a mint or burn request.
type RequestStatus string

const (
	RequestPending        RequestStatus = "pending"
	RequestProofSubmitted RequestStatus = "proof_submitted"
	RequestConfirmed      RequestStatus = "confirmed"
	RequestRejected       RequestStatus = "rejected"
	RequestExpired        RequestStatus = "expired"
	RequestCancelled      RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestConfirmed, RequestRejected, RequestExpired, RequestCancelled:
		return true
	}
	return false
}

// MintRequest is a user's token-purchase request against an agent.
type MintRequest struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	AgentID         uuid.UUID       `json:"agent_id"`
	ReservationID   uuid.UUID       `json:"reservation_id"`
	Token           TokenType       `json:"token_type"`
	Amount          decimal.Decimal `json:"amount"`
	AmountUSD       decimal.Decimal `json:"amount_usd"`
	Status          RequestStatus   `json:"status"`
	PaymentProofURL string          `json:"payment_proof_url,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BurnRequest is a user's token-sale request. Creation opens exactly one
// escrow holding the user's tokens.
type BurnRequest struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	EscrowID      uuid.UUID       `json:"escrow_id"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	Token         TokenType       `json:"token_type"`
	Amount        decimal.Decimal `json:"amount"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	Status        RequestStatus   `json:"status"`
	Disputed      bool            `json:"disputed"`
	PayoutProofURL string         `json:"payout_proof_url,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EscrowStatus is the lifecycle state of an escrow.
type EscrowStatus string

const (
	EscrowLocked    EscrowStatus = "locked"
	EscrowCompleted EscrowStatus = "completed"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowExpired   EscrowStatus = "expired"
)

// Terminal reports whether the escrow has settled.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowCompleted || s == EscrowRefunded || s == EscrowExpired
}

// Escrow locks a user's tokens while the agent settles the fiat side of
// a burn. While locked or disputed, the user's pending balance carries
// exactly Amount.
type Escrow struct {
	ID            uuid.UUID       `json:"id"`
	BurnRequestID uuid.UUID       `json:"transaction_id"`
	FromUserID    uuid.UUID       `json:"from_user_id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	Token         TokenType       `json:"token_type"`
	Amount        decimal.Decimal `json:"amount"`
	Status        EscrowStatus    `json:"status"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DisputeStatus is open or resolved; resolved is terminal.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// EscalationLevel routes a dispute to who may handle it. Levels only
// ever go up.
type EscalationLevel string

const (
	EscalationAuto   EscalationLevel = "auto"
	EscalationLevel1 EscalationLevel = "level_1"
	EscalationLevel2 EscalationLevel = "level_2"
	EscalationLevel3 EscalationLevel = "level_3"
)

var escalationRank = map[EscalationLevel]int{
	EscalationAuto:   0,
	EscalationLevel1: 1,
	EscalationLevel2: 2,
	EscalationLevel3: 3,
}

// Rank returns the level's ordinal, -1 for an unknown level.
func (l EscalationLevel) Rank() int {
	if r, ok := escalationRank[l]; ok {
		return r
	}
	return -1
}

// ResolutionAction is the single terminal action recorded on a dispute.
type ResolutionAction string

const (
	ResolveReleaseToAgent ResolutionAction = "release_to_agent"
	ResolveRefundUser     ResolutionAction = "refund_user"
	ResolveSlashDeposit   ResolutionAction = "slash_agent_deposit"
)

// Valid reports whether a is a known resolution action.
func (a ResolutionAction) Valid() bool {
	switch a {
	case ResolveReleaseToAgent, ResolveRefundUser, ResolveSlashDeposit:
		return true
	}
	return false
}

// Resolution records how a dispute ended.
type Resolution struct {
	Action     ResolutionAction `json:"action"`
	Notes      string           `json:"notes,omitempty"`
	PenaltyUSD decimal.Decimal  `json:"penalty_amount_usd"`
}

// Dispute arbitrates a failed burn/escrow cycle.
type Dispute struct {
	ID         uuid.UUID       `json:"id"`
	EscrowID   uuid.UUID       `json:"escrow_id"`
	OpenedBy   string          `json:"opened_by"`
	Reason     string          `json:"reason"`
	Status     DisputeStatus   `json:"status"`
	Escalation EscalationLevel `json:"escalation_level"`
	Notes      []string        `json:"notes,omitempty"`
	Resolution *Resolution     `json:"resolution,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// WithdrawalStatus is the lifecycle state of an agent payout.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
	WithdrawalPaid     WithdrawalStatus = "paid"
)

// WithdrawalRequest converts an agent's free capacity into an external
// payout.
type WithdrawalRequest struct {
	ID         uuid.UUID        `json:"id"`
	AgentID    uuid.UUID        `json:"agent_id"`
	AmountUSD  decimal.Decimal  `json:"amount_usd"`
	Status     WithdrawalStatus `json:"status"`
	PaidTxHash string           `json:"paid_tx_hash,omitempty"`
	AdminNotes string           `json:"admin_notes,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// TxType classifies a ledger transaction.
type TxType string

const (
	TxMint       TxType = "mint"
	TxBurn       TxType = "burn"
	TxTransfer   TxType = "transfer"
	TxFee        TxType = "fee"
	TxWithdrawal TxType = "withdrawal"
)

// Transaction is an immutable, append-only record of a balance-affecting
// event. All derived aggregates trace back to these rows.
type Transaction struct {
	ID        uuid.UUID       `json:"id"`
	Type      TxType          `json:"type"`
	UserID    uuid.UUID       `json:"user_id,omitempty"`
	AgentID   uuid.UUID       `json:"agent_id,omitempty"`
	Token     TokenType       `json:"token_type,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Reference string          `json:"reference"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
