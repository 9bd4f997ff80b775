// Package dispute arbitrates failed burn/escrow cycles. Escalation only
// routes a dispute to who may handle it; resolution is the terminal act
// that settles the escrow and, for slashes, the agent's deposit bond.
package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/burn"
	"github.com/exonet/tokenvault/internal/capacity"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/pkg/messaging"
)

// Engine resolves disputes with capacity-affecting outcomes.
type Engine struct {
	store  ledger.Store
	burns  *burn.Service
	events *messaging.Client
}

// NewEngine returns a dispute engine reusing the burn service's
// settlement helpers so both paths move funds identically.
func NewEngine(store ledger.Store, burns *burn.Service, events *messaging.Client) *Engine {
	return &Engine{store: store, burns: burns, events: events}
}

// Escalate raises the dispute's escalation level. Levels are monotonic:
// raising to the current level is a no-op, lowering fails.
func (e *Engine) Escalate(ctx context.Context, id uuid.UUID, level ledger.EscalationLevel, notes string) (*ledger.Dispute, error) {
	if level.Rank() < 0 {
		return nil, fmt.Errorf("escalate: %w", ledger.ErrInvalidArgument)
	}
	d, err := e.store.DisputeOf(ctx, id)
	if err != nil {
		return nil, err
	}
	esc, err := e.store.EscrowOf(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}

	var out *ledger.Dispute
	err = e.store.Mutate(ctx, ledger.Scope{AgentID: esc.AgentID, DisputeID: id}, func(m *ledger.Mutation) error {
		if m.Dispute.Status == ledger.DisputeResolved {
			return ledger.ErrDisputeAlreadyResolved
		}
		switch {
		case level.Rank() < m.Dispute.Escalation.Rank():
			return fmt.Errorf("cannot de-escalate: %w", ledger.ErrInvalidArgument)
		case level.Rank() > m.Dispute.Escalation.Rank():
			m.Dispute.Escalation = level
			if notes != "" {
				m.Dispute.Notes = append(m.Dispute.Notes, notes)
			}
		}
		out = m.Dispute
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventDisputeEscalated,
		EntityID: out.ID,
		AgentID:  esc.AgentID,
		Status:   string(out.Escalation),
		Note:     notes,
	})
	return out, nil
}

// Resolve terminally settles the dispute with exactly one action.
// release_to_agent completes the escrow, refund_user restores the
// user's funds, slash_agent_deposit refunds the user and deducts the
// penalty from the agent's deposit. Resolving twice fails with
// ErrDisputeAlreadyResolved.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, action ledger.ResolutionAction, notes string, penaltyUSD decimal.Decimal) (*ledger.Dispute, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("resolve: %w", ledger.ErrInvalidArgument)
	}
	if action == ledger.ResolveSlashDeposit && penaltyUSD.Sign() <= 0 {
		return nil, fmt.Errorf("resolve: penalty required: %w", ledger.ErrInvalidArgument)
	}

	d, err := e.store.DisputeOf(ctx, id)
	if err != nil {
		return nil, err
	}
	esc, err := e.store.EscrowOf(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	br, err := e.store.BurnOf(ctx, esc.BurnRequestID)
	if err != nil {
		return nil, err
	}

	var out *ledger.Dispute
	err = e.store.Mutate(ctx, ledger.Scope{
		AgentID:       esc.AgentID,
		UserID:        br.UserID,
		Token:         br.Token,
		DisputeID:     id,
		EscrowID:      esc.ID,
		BurnID:        br.ID,
		ReservationID: br.ReservationID,
	}, func(m *ledger.Mutation) error {
		if m.Dispute.Status == ledger.DisputeResolved {
			return ledger.ErrDisputeAlreadyResolved
		}

		switch action {
		case ledger.ResolveReleaseToAgent:
			if m.Escrow.Status != ledger.EscrowDisputed {
				return ledger.ErrAlreadyTransitioned
			}
			if err := e.burns.CompleteLocked(m); err != nil {
				return err
			}
		case ledger.ResolveRefundUser:
			if err := e.refundLocked(m); err != nil {
				return err
			}
		case ledger.ResolveSlashDeposit:
			// Refund first so the reservation is released before the
			// penalty's solvency check runs.
			if err := e.refundLocked(m); err != nil {
				return err
			}
			if err := capacity.SlashLocked(m, penaltyUSD); err != nil {
				return err
			}
			m.Record(&ledger.Transaction{
				Type:      ledger.TxFee,
				AgentID:   m.Agent.ID,
				AmountUSD: penaltyUSD,
				Reference: m.Dispute.ID.String(),
				Note:      "dispute penalty",
			})
		}

		now := time.Now().UTC()
		m.Dispute.Status = ledger.DisputeResolved
		m.Dispute.ResolvedAt = &now
		m.Dispute.Resolution = &ledger.Resolution{
			Action:     action,
			Notes:      notes,
			PenaltyUSD: penaltyUSD,
		}
		out = m.Dispute
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventDisputeResolved,
		EntityID: out.ID,
		AgentID:  esc.AgentID,
		UserID:   br.UserID,
		Status:   string(action),
		Note:     notes,
	})
	if action != ledger.ResolveReleaseToAgent && esc.Status == ledger.EscrowDisputed {
		e.events.Publish(ctx, messaging.Event{
			Subject:  messaging.EventEscrowRefunded,
			EntityID: esc.ID,
			AgentID:  esc.AgentID,
			UserID:   br.UserID,
			Amount:   esc.Amount.String(),
			Token:    string(esc.Token),
			Status:   string(ledger.EscrowRefunded),
		})
	}
	return out, nil
}

// refundLocked restores the user when the escrow is still holding
// funds. A dispute opened post-hoc against an expired escrow has
// nothing left to move; the resolution is recorded and funds stay put.
func (e *Engine) refundLocked(m *ledger.Mutation) error {
	switch m.Escrow.Status {
	case ledger.EscrowDisputed:
		return e.burns.RefundLocked(m, ledger.RequestRejected, ledger.EscrowRefunded)
	case ledger.EscrowExpired:
		return nil
	default:
		return ledger.ErrAlreadyTransitioned
	}
}

// ForceFinalize is the admin override on a stuck escrow: outcome is
// "complete" or "refund". An open dispute on the escrow is resolved with
// the matching action so it cannot be resolved a second way later.
func (e *Engine) ForceFinalize(ctx context.Context, escrowID uuid.UUID, outcome, notes string) error {
	var action ledger.ResolutionAction
	switch outcome {
	case "complete":
		action = ledger.ResolveReleaseToAgent
	case "refund":
		action = ledger.ResolveRefundUser
	default:
		return fmt.Errorf("force-finalize: %w", ledger.ErrInvalidArgument)
	}

	if d, err := e.store.OpenDisputeForEscrow(ctx, escrowID); err == nil {
		_, err = e.Resolve(ctx, d.ID, action, notes, decimal.Zero)
		return err
	}

	esc, err := e.store.EscrowOf(ctx, escrowID)
	if err != nil {
		return err
	}
	br, err := e.store.BurnOf(ctx, esc.BurnRequestID)
	if err != nil {
		return err
	}
	return e.store.Mutate(ctx, ledger.Scope{
		AgentID:       esc.AgentID,
		UserID:        br.UserID,
		Token:         br.Token,
		BurnID:        br.ID,
		EscrowID:      esc.ID,
		ReservationID: br.ReservationID,
	}, func(m *ledger.Mutation) error {
		if m.Escrow.Status.Terminal() {
			return ledger.ErrAlreadyTransitioned
		}
		if action == ledger.ResolveReleaseToAgent {
			return e.burns.CompleteLocked(m)
		}
		return e.burns.RefundLocked(m, ledger.RequestRejected, ledger.EscrowRefunded)
	})
}
