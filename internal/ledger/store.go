package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scope names the records a Mutate call will load and lock. Zero UUIDs
// are skipped. Stores lock the agent before the wallet so concurrent
// mutations over the same pair cannot deadlock. Any mutation touching an
// agent-owned record (requests, escrows, disputes, withdrawals,
// reservations) must name the AgentID so it serializes with every other
// capacity-affecting operation on that agent.
type Scope struct {
	AgentID       uuid.UUID
	UserID        uuid.UUID
	Token         TokenType
	ReservationID uuid.UUID
	MintID        uuid.UUID
	BurnID        uuid.UUID
	EscrowID      uuid.UUID
	DisputeID     uuid.UUID
	WithdrawalID  uuid.UUID

	// SumPendingWithdrawals asks the store to total the agent's
	// pending and approved withdrawal amounts under the agent lock,
	// excluding the scoped withdrawal itself.
	SumPendingWithdrawals bool

	// CreateWalletIfMissing makes a zero-balance wallet for the
	// scoped user/token pair instead of failing the lookup.
	CreateWalletIfMissing bool
}

// Mutation is the working set handed to a Mutate closure. Fields are nil
// unless named in the Scope. Edits made through the pointers, records
// staged with the Create* methods, and transactions recorded with Record
// are persisted atomically when the closure returns nil; nothing is
// persisted when it returns an error.
type Mutation struct {
	Agent       *Agent
	Wallet      *Wallet
	Reservation *Reservation
	Mint        *MintRequest
	Burn        *BurnRequest
	Escrow      *Escrow
	Dispute     *Dispute
	Withdrawal  *WithdrawalRequest

	PendingWithdrawalsUSD decimal.Decimal

	creates []any
	txns    []*Transaction
}

// Record stages an append-only transaction for the commit.
func (m *Mutation) Record(t *Transaction) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.txns = append(m.txns, t)
}

// CreateReservation stages a new reservation row.
func (m *Mutation) CreateReservation(r *Reservation) { m.creates = append(m.creates, r) }

// CreateMint stages a new mint request row.
func (m *Mutation) CreateMint(r *MintRequest) { m.creates = append(m.creates, r) }

// CreateBurn stages a new burn request and its escrow as one insert.
// Stores reject the pair if the burn already references an escrow.
func (m *Mutation) CreateBurn(b *BurnRequest, e *Escrow) {
	m.creates = append(m.creates, b, e)
}

// CreateDispute stages a new dispute row.
func (m *Mutation) CreateDispute(d *Dispute) { m.creates = append(m.creates, d) }

// CreateWithdrawal stages a new withdrawal row.
func (m *Mutation) CreateWithdrawal(w *WithdrawalRequest) { m.creates = append(m.creates, w) }

// Creates exposes staged rows to store implementations.
func (m *Mutation) Creates() []any { return m.creates }

// Transactions exposes staged transactions to store implementations.
func (m *Mutation) Transactions() []*Transaction { return m.txns }

// Page is a limit/offset window over a listing.
type Page struct {
	Limit  int
	Offset int
}

// Clamp bounds the page to sane values.
func (p Page) Clamp() Page {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TxFilter narrows a transaction listing. Zero values match everything.
type TxFilter struct {
	UserID  uuid.UUID
	AgentID uuid.UUID
	Type    TxType
}

// Store is the ledger of record. It owns every balance and capacity
// figure; components read through the getters and propose changes
// through Mutate, which the store applies atomically with per-agent and
// per-user serialization.
type Store interface {
	CreateAgent(ctx context.Context, a *Agent) error
	Agent(ctx context.Context, id uuid.UUID) (*Agent, error)
	Agents(ctx context.Context, p Page) ([]*Agent, int, error)

	CreateWallet(ctx context.Context, w *Wallet) error
	WalletOf(ctx context.Context, userID uuid.UUID, token TokenType) (*Wallet, error)

	ReservationOf(ctx context.Context, id uuid.UUID) (*Reservation, error)

	MintOf(ctx context.Context, id uuid.UUID) (*MintRequest, error)
	MintsByStatus(ctx context.Context, status RequestStatus, p Page) ([]*MintRequest, int, error)
	DueMints(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	BurnOf(ctx context.Context, id uuid.UUID) (*BurnRequest, error)
	EscrowOf(ctx context.Context, id uuid.UUID) (*Escrow, error)
	Escrows(ctx context.Context, p Page) ([]*Escrow, int, error)
	EscrowsByStatus(ctx context.Context, status EscrowStatus, p Page) ([]*Escrow, int, error)
	DueEscrows(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	DisputeOf(ctx context.Context, id uuid.UUID) (*Dispute, error)
	Disputes(ctx context.Context, p Page) ([]*Dispute, int, error)
	OpenDisputeForEscrow(ctx context.Context, escrowID uuid.UUID) (*Dispute, error)

	WithdrawalOf(ctx context.Context, id uuid.UUID) (*WithdrawalRequest, error)
	Withdrawals(ctx context.Context, status WithdrawalStatus, p Page) ([]*WithdrawalRequest, int, error)

	Transactions(ctx context.Context, f TxFilter, p Page) ([]*Transaction, int, error)

	Mutate(ctx context.Context, s Scope, fn func(*Mutation) error) error
}
