// Package capacity is the single synchronization point for an agent's
// minting/burning capacity. Every capacity-affecting change in the
// system goes through an Accountant call or one of the *Locked helpers
// applied inside a ledger mutation; nothing else may touch the agent's
// capacity fields.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/ledger"
)

// Accountant adjusts agent capacity through serialized ledger mutations.
type Accountant struct {
	store ledger.Store
}

// NewAccountant returns an accountant over the given ledger store.
func NewAccountant(store ledger.Store) *Accountant {
	return &Accountant{store: store}
}

// Reserve holds amountUSD of the agent's available capacity and returns
// the reservation that must later be committed or released. Fails with
// ErrInsufficientCapacity when the agent cannot cover the amount.
func (a *Accountant) Reserve(ctx context.Context, agentID uuid.UUID, amountUSD decimal.Decimal, kind ledger.ReservationKind) (*ledger.Reservation, error) {
	if amountUSD.Sign() <= 0 {
		return nil, fmt.Errorf("reserve: %w", ledger.ErrInvalidArgument)
	}
	var res *ledger.Reservation
	err := a.store.Mutate(ctx, ledger.Scope{AgentID: agentID}, func(m *ledger.Mutation) error {
		r, err := ReserveLocked(m, amountUSD, kind)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release returns a held reservation's capacity to the agent.
func (a *Accountant) Release(ctx context.Context, reservationID uuid.UUID) error {
	res, err := a.store.ReservationOf(ctx, reservationID)
	if err != nil {
		return err
	}
	return a.store.Mutate(ctx, ledger.Scope{AgentID: res.AgentID, ReservationID: reservationID}, ReleaseLocked)
}

// Commit consumes a held reservation, updating the agent's outstanding
// tokens and mint/burn totals.
func (a *Accountant) Commit(ctx context.Context, reservationID uuid.UUID) error {
	res, err := a.store.ReservationOf(ctx, reservationID)
	if err != nil {
		return err
	}
	return a.store.Mutate(ctx, ledger.Scope{AgentID: res.AgentID, ReservationID: reservationID}, CommitLocked)
}

// ReserveLocked performs the reserve inside an already-open mutation
// scoped to the agent.
func ReserveLocked(m *ledger.Mutation, amountUSD decimal.Decimal, kind ledger.ReservationKind) (*ledger.Reservation, error) {
	if !m.Agent.CanTransact() {
		return nil, ledger.ErrAgentNotTransactable
	}
	if m.Agent.AvailableCapacity().LessThan(amountUSD) {
		return nil, ledger.ErrInsufficientCapacity
	}
	now := time.Now().UTC()
	res := &ledger.Reservation{
		ID:        uuid.New(),
		AgentID:   m.Agent.ID,
		AmountUSD: amountUSD,
		Kind:      kind,
		State:     ledger.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.Agent.ReservedUSD = m.Agent.ReservedUSD.Add(amountUSD)
	m.CreateReservation(res)
	return res, nil
}

// ReleaseLocked releases the scoped reservation. Releasing a reservation
// twice, or one already committed, fails with
// ErrInvalidReservationState so capacity is never double-credited.
func ReleaseLocked(m *ledger.Mutation) error {
	if m.Reservation.State != ledger.ReservationHeld {
		return ledger.ErrInvalidReservationState
	}
	m.Reservation.State = ledger.ReservationReleased
	m.Agent.ReservedUSD = m.Agent.ReservedUSD.Sub(m.Reservation.AmountUSD)
	return nil
}

// CommitLocked commits the scoped reservation. A mint commit moves the
// amount into outstanding tokens; a burn commit retires it from
// outstanding.
func CommitLocked(m *ledger.Mutation) error {
	if m.Reservation.State != ledger.ReservationHeld {
		return ledger.ErrInvalidReservationState
	}
	amt := m.Reservation.AmountUSD
	m.Reservation.State = ledger.ReservationCommitted
	m.Agent.ReservedUSD = m.Agent.ReservedUSD.Sub(amt)
	switch m.Reservation.Kind {
	case ledger.ReserveMint:
		m.Agent.OutstandingUSD = m.Agent.OutstandingUSD.Add(amt)
		m.Agent.TotalMintedUSD = m.Agent.TotalMintedUSD.Add(amt)
	case ledger.ReserveBurn:
		m.Agent.OutstandingUSD = m.Agent.OutstandingUSD.Sub(amt)
		if m.Agent.OutstandingUSD.Sign() < 0 {
			m.Agent.OutstandingUSD = decimal.Zero
		}
		m.Agent.TotalBurnedUSD = m.Agent.TotalBurnedUSD.Add(amt)
	}
	return nil
}

// SlashLocked deducts a dispute penalty from the agent's deposit bond.
// The remaining deposit must still cover outstanding tokens and live
// reservations; a penalty that would leave the agent insolvent fails
// with ErrInsufficientDeposit and available capacity never goes
// negative.
func SlashLocked(m *ledger.Mutation, penaltyUSD decimal.Decimal) error {
	if penaltyUSD.Sign() <= 0 {
		return ledger.ErrInvalidArgument
	}
	remaining := m.Agent.DepositUSD.Sub(penaltyUSD)
	if remaining.Sub(m.Agent.OutstandingUSD).Sub(m.Agent.ReservedUSD).Sign() < 0 {
		return ledger.ErrInsufficientDeposit
	}
	m.Agent.DepositUSD = remaining
	return nil
}

// DebitDepositLocked pays out part of the deposit for a settled
// withdrawal. The deduction must leave the agent solvent against its
// outstanding tokens and live reservations.
func DebitDepositLocked(m *ledger.Mutation, amountUSD decimal.Decimal) error {
	if amountUSD.Sign() <= 0 {
		return ledger.ErrInvalidArgument
	}
	remaining := m.Agent.DepositUSD.Sub(amountUSD)
	if remaining.Sub(m.Agent.OutstandingUSD).Sub(m.Agent.ReservedUSD).Sign() < 0 {
		return ledger.ErrUnsafeWithdrawal
	}
	m.Agent.DepositUSD = remaining
	return nil
}

// MaxWithdrawableLocked is the agent's live free capacity net of its
// other open withdrawal requests. Requires a scope with
// SumPendingWithdrawals set.
func MaxWithdrawableLocked(m *ledger.Mutation) decimal.Decimal {
	return m.Agent.AvailableCapacity().Sub(m.PendingWithdrawalsUSD)
}
