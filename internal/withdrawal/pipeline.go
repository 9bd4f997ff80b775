// Package withdrawal turns an agent's free capacity into an external
// payout. Solvency is checked live at creation and re-checked at
// approval; amounts are never silently clamped.
package withdrawal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/capacity"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/pkg/messaging"
)

// Pipeline is the withdrawal approval state machine.
type Pipeline struct {
	store  ledger.Store
	events *messaging.Client
}

// NewPipeline returns a withdrawal pipeline over the store.
func NewPipeline(store ledger.Store, events *messaging.Client) *Pipeline {
	return &Pipeline{store: store, events: events}
}

// Create opens a pending withdrawal if the amount fits inside the
// agent's live max withdrawable; otherwise nothing is recorded and the
// caller gets ErrExceedsMaxWithdrawable.
func (p *Pipeline) Create(ctx context.Context, agentID uuid.UUID, amountUSD decimal.Decimal) (*ledger.WithdrawalRequest, error) {
	if amountUSD.Sign() <= 0 {
		return nil, fmt.Errorf("create withdrawal: %w", ledger.ErrInvalidArgument)
	}

	var created *ledger.WithdrawalRequest
	err := p.store.Mutate(ctx, ledger.Scope{
		AgentID:               agentID,
		SumPendingWithdrawals: true,
	}, func(m *ledger.Mutation) error {
		if amountUSD.GreaterThan(capacity.MaxWithdrawableLocked(m)) {
			return ledger.ErrExceedsMaxWithdrawable
		}
		now := time.Now().UTC()
		created = &ledger.WithdrawalRequest{
			ID:        uuid.New(),
			AgentID:   agentID,
			AmountUSD: amountUSD,
			Status:    ledger.WithdrawalPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.CreateWithdrawal(created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventWithdrawalCreated,
		EntityID: created.ID,
		AgentID:  agentID,
		Amount:   amountUSD.String(),
		Status:   string(created.Status),
	})
	return created, nil
}

// Approve re-validates solvency at approval time. Capacity may have
// shifted since the request was created; an amount that no longer fits
// fails with ErrUnsafeWithdrawal rather than being adjusted.
func (p *Pipeline) Approve(ctx context.Context, id uuid.UUID, adminNotes string) (*ledger.WithdrawalRequest, error) {
	req, err := p.store.WithdrawalOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *ledger.WithdrawalRequest
	err = p.store.Mutate(ctx, ledger.Scope{
		AgentID:               req.AgentID,
		WithdrawalID:          id,
		SumPendingWithdrawals: true,
	}, func(m *ledger.Mutation) error {
		if m.Withdrawal.Status != ledger.WithdrawalPending {
			return ledger.ErrAlreadyTransitioned
		}
		if m.Withdrawal.AmountUSD.GreaterThan(capacity.MaxWithdrawableLocked(m)) {
			return ledger.ErrUnsafeWithdrawal
		}
		m.Withdrawal.Status = ledger.WithdrawalApproved
		if adminNotes != "" {
			m.Withdrawal.AdminNotes = adminNotes
		}
		out = m.Withdrawal
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventWithdrawalApproved,
		EntityID: out.ID,
		AgentID:  out.AgentID,
		Amount:   out.AmountUSD.String(),
		Status:   string(out.Status),
	})
	return out, nil
}

// MarkPaid records the external settlement. The tx hash is mandatory;
// the deposit is debited and a withdrawal transaction appended in the
// same commit.
func (p *Pipeline) MarkPaid(ctx context.Context, id uuid.UUID, txHash string) (*ledger.WithdrawalRequest, error) {
	if txHash == "" {
		return nil, fmt.Errorf("mark paid: settlement reference required: %w", ledger.ErrInvalidArgument)
	}
	req, err := p.store.WithdrawalOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *ledger.WithdrawalRequest
	err = p.store.Mutate(ctx, ledger.Scope{
		AgentID:      req.AgentID,
		WithdrawalID: id,
	}, func(m *ledger.Mutation) error {
		if m.Withdrawal.Status != ledger.WithdrawalApproved {
			return ledger.ErrAlreadyTransitioned
		}
		if err := capacity.DebitDepositLocked(m, m.Withdrawal.AmountUSD); err != nil {
			return err
		}
		m.Withdrawal.Status = ledger.WithdrawalPaid
		m.Withdrawal.PaidTxHash = txHash
		m.Record(&ledger.Transaction{
			Type:      ledger.TxWithdrawal,
			AgentID:   m.Withdrawal.AgentID,
			AmountUSD: m.Withdrawal.AmountUSD,
			Reference: m.Withdrawal.ID.String(),
			Note:      txHash,
		})
		out = m.Withdrawal
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventWithdrawalPaid,
		EntityID: out.ID,
		AgentID:  out.AgentID,
		Amount:   out.AmountUSD.String(),
		Status:   string(out.Status),
		Note:     txHash,
	})
	return out, nil
}

// Reject closes a pending withdrawal. A reason is mandatory.
func (p *Pipeline) Reject(ctx context.Context, id uuid.UUID, reason string) (*ledger.WithdrawalRequest, error) {
	if reason == "" {
		return nil, fmt.Errorf("reject withdrawal: reason required: %w", ledger.ErrInvalidArgument)
	}
	req, err := p.store.WithdrawalOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *ledger.WithdrawalRequest
	err = p.store.Mutate(ctx, ledger.Scope{
		AgentID:      req.AgentID,
		WithdrawalID: id,
	}, func(m *ledger.Mutation) error {
		if m.Withdrawal.Status != ledger.WithdrawalPending {
			return ledger.ErrAlreadyTransitioned
		}
		m.Withdrawal.Status = ledger.WithdrawalRejected
		m.Withdrawal.AdminNotes = reason
		out = m.Withdrawal
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventWithdrawalRejected,
		EntityID: out.ID,
		AgentID:  out.AgentID,
		Status:   string(out.Status),
		Note:     reason,
	})
	return out, nil
}

// Stats summarizes the pipeline for the admin dashboard.
type Stats struct {
	Pending      int             `json:"pending"`
	Approved     int             `json:"approved"`
	Rejected     int             `json:"rejected"`
	Paid         int             `json:"paid"`
	TotalPaidUSD decimal.Decimal `json:"total_paid_usd"`
}

// Stats walks all withdrawal requests and totals them by status.
func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{TotalPaidUSD: decimal.Zero}
	page := ledger.Page{Limit: 200}
	for {
		batch, total, err := p.store.Withdrawals(ctx, "", page)
		if err != nil {
			return nil, err
		}
		for _, w := range batch {
			switch w.Status {
			case ledger.WithdrawalPending:
				st.Pending++
			case ledger.WithdrawalApproved:
				st.Approved++
			case ledger.WithdrawalRejected:
				st.Rejected++
			case ledger.WithdrawalPaid:
				st.Paid++
				st.TotalPaidUSD = st.TotalPaidUSD.Add(w.AmountUSD)
			}
		}
		page.Offset += len(batch)
		if page.Offset >= total || len(batch) == 0 {
			break
		}
	}
	return st, nil
}
