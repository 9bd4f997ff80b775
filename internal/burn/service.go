// Package burn drives a user's token-sale request and the escrow that
// holds the tokens while the agent settles the fiat side. Creation locks
// the amount into the wallet's pending balance; completion, refund, and
// expiry settle escrow state and fund movements in a single ledger
// commit.
package burn

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

// Config tunes the burn lifecycle.
type Config struct {
	Rates   ledger.RateTable
	FeeRate decimal.Decimal
	TTL     time.Duration
	// Grace is how long past expiry an escrow may sit before it is
	// force-expired when no dispute was opened.
	Grace time.Duration
}

// Service is the burn request and escrow state machine.
type Service struct {
	store  ledger.Store
	events *messaging.Client
	cfg    Config
}

// NewService returns a burn service over the store.
func NewService(store ledger.Store, events *messaging.Client, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Minute
	}
	return &Service{store: store, events: events, cfg: cfg}
}

// CreateRequest is the input for a new burn request.
type CreateRequest struct {
	UserID  uuid.UUID
	AgentID uuid.UUID
	Token   ledger.TokenType
	Amount  decimal.Decimal
}

// Create reserves agent capacity, opens the burn request together with
// its single escrow, and moves the amount into the user's pending
// balance. Everything commits or nothing does.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ledger.BurnRequest, error) {
	if !req.Token.Valid() || req.Amount.Sign() <= 0 || req.UserID == uuid.Nil {
		return nil, fmt.Errorf("create burn: %w", ledger.ErrInvalidArgument)
	}
	amountUSD := s.cfg.Rates.USD(req.Token, req.Amount)

	var created *ledger.BurnRequest
	err := s.store.Mutate(ctx, ledger.Scope{
		AgentID: req.AgentID,
		UserID:  req.UserID,
		Token:   req.Token,
	}, func(m *ledger.Mutation) error {
		if m.Wallet.Frozen {
			return ledger.ErrWalletFrozen
		}
		if m.Wallet.Available().LessThan(req.Amount) {
			return ledger.ErrInsufficientBalance
		}
		res, err := capacity.ReserveLocked(m, amountUSD, ledger.ReserveBurn)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		burnID := uuid.New()
		escrow := &ledger.Escrow{
			ID:            uuid.New(),
			BurnRequestID: burnID,
			FromUserID:    req.UserID,
			AgentID:       req.AgentID,
			Token:         req.Token,
			Amount:        req.Amount,
			Status:        ledger.EscrowLocked,
			ExpiresAt:     now.Add(s.cfg.TTL),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		created = &ledger.BurnRequest{
			ID:            burnID,
			UserID:        req.UserID,
			AgentID:       req.AgentID,
			EscrowID:      escrow.ID,
			ReservationID: res.ID,
			Token:         req.Token,
			Amount:        req.Amount,
			AmountUSD:     amountUSD,
			Status:        ledger.RequestPending,
			ExpiresAt:     escrow.ExpiresAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.Wallet.PendingBalance = m.Wallet.PendingBalance.Add(req.Amount)
		m.CreateBurn(created, escrow)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventBurnCreated,
		EntityID: created.ID,
		AgentID:  created.AgentID,
		UserID:   created.UserID,
		Amount:   created.Amount.String(),
		Token:    string(created.Token),
		Status:   string(created.Status),
	})
	return created, nil
}

// SubmitProof attaches the agent's fiat payout proof.
func (s *Service) SubmitProof(ctx context.Context, id uuid.UUID, proofURL string) (*ledger.BurnRequest, error) {
	if proofURL == "" {
		return nil, fmt.Errorf("submit payout proof: %w", ledger.ErrInvalidArgument)
	}
	req, err := s.store.BurnOf(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *ledger.BurnRequest
	err = s.store.Mutate(ctx, ledger.Scope{AgentID: req.AgentID, BurnID: id}, func(m *ledger.Mutation) error {
		if m.Burn.Status != ledger.RequestPending {
			return ledger.ErrAlreadyTransitioned
		}
		m.Burn.Status = ledger.RequestProofSubmitted
		m.Burn.PayoutProofURL = proofURL
		out = m.Burn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete settles a burn the happy way: the agent confirmed the fiat
// payout, so the escrowed tokens are debited from both balance and
// pending, the capacity reservation commits, and burn plus commission
// transactions are appended.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*ledger.BurnRequest, error) {
	req, err := s.store.BurnOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *ledger.BurnRequest
	err = s.store.Mutate(ctx, ledger.Scope{
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		Token:         req.Token,
		BurnID:        id,
		EscrowID:      req.EscrowID,
		ReservationID: req.ReservationID,
	}, func(m *ledger.Mutation) error {
		if m.Escrow.Status != ledger.EscrowLocked {
			return ledger.ErrAlreadyTransitioned
		}
		if err := s.completeLocked(m); err != nil {
			return err
		}
		out = m.Burn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventBurnCompleted,
		EntityID: id,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Amount:   req.Amount.String(),
		Token:    string(req.Token),
		Status:   string(ledger.RequestConfirmed),
	})
	return out, nil
}

// CompleteLocked applies the completion fund movements inside a mutation
// already scoped to the burn, escrow, reservation, agent, and wallet.
// The dispute engine's release_to_agent resolution reuses it.
func (s *Service) CompleteLocked(m *ledger.Mutation) error { return s.completeLocked(m) }

func (s *Service) completeLocked(m *ledger.Mutation) error {
	if m.Burn.Status.Terminal() {
		return ledger.ErrAlreadyTransitioned
	}
	if err := capacity.CommitLocked(m); err != nil {
		return err
	}
	amt := m.Escrow.Amount
	m.Wallet.Balance = m.Wallet.Balance.Sub(amt)
	m.Wallet.PendingBalance = m.Wallet.PendingBalance.Sub(amt)
	m.Escrow.Status = ledger.EscrowCompleted
	m.Burn.Status = ledger.RequestConfirmed

	m.Record(&ledger.Transaction{
		Type:      ledger.TxBurn,
		UserID:    m.Burn.UserID,
		AgentID:   m.Burn.AgentID,
		Token:     m.Burn.Token,
		Amount:    amt,
		AmountUSD: m.Burn.AmountUSD,
		Reference: m.Burn.ID.String(),
	})
	if s.cfg.FeeRate.Sign() > 0 {
		m.Record(&ledger.Transaction{
			Type:      ledger.TxFee,
			AgentID:   m.Burn.AgentID,
			AmountUSD: m.Burn.AmountUSD.Mul(s.cfg.FeeRate),
			Reference: m.Burn.ID.String(),
			Note:      "burn commission",
		})
	}
	return nil
}

// RefundLocked restores the escrowed amount to the user's spendable
// balance and releases the agent's reservation; no burn occurred. The
// burn request ends in the given terminal status.
func (s *Service) RefundLocked(m *ledger.Mutation, burnStatus ledger.RequestStatus, escrowStatus ledger.EscrowStatus) error {
	if m.Burn.Status.Terminal() {
		return ledger.ErrAlreadyTransitioned
	}
	if err := capacity.ReleaseLocked(m); err != nil {
		return err
	}
	m.Wallet.PendingBalance = m.Wallet.PendingBalance.Sub(m.Escrow.Amount)
	m.Escrow.Status = escrowStatus
	m.Burn.Status = burnStatus
	return nil
}

// Dispute opens a dispute record against a burn's escrow. A locked
// escrow moves to disputed with funds staying where they are; an
// expired escrow can still be contested post hoc — it keeps its status
// and the resolution moves no funds. openedBy is who raised it ("user",
// "agent", or "system" for the expiry sweep); the sweep opens at the
// auto level, parties at level_1.
func (s *Service) Dispute(ctx context.Context, id uuid.UUID, openedBy, reason string) (*ledger.Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("open dispute: %w", ledger.ErrInvalidArgument)
	}
	req, err := s.store.BurnOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.OpenDisputeForEscrow(ctx, req.EscrowID); err == nil {
		return nil, fmt.Errorf("open dispute: %w", ledger.ErrAlreadyTransitioned)
	}

	level := ledger.EscalationLevel1
	if openedBy == "system" {
		level = ledger.EscalationAuto
	}

	var dispute *ledger.Dispute
	var escrowStatus ledger.EscrowStatus
	err = s.store.Mutate(ctx, ledger.Scope{
		AgentID:  req.AgentID,
		BurnID:   id,
		EscrowID: req.EscrowID,
	}, func(m *ledger.Mutation) error {
		switch m.Escrow.Status {
		case ledger.EscrowLocked:
			m.Escrow.Status = ledger.EscrowDisputed
		case ledger.EscrowExpired:
			// Already refunded by the sweep; nothing to hold.
		default:
			return ledger.ErrAlreadyTransitioned
		}
		escrowStatus = m.Escrow.Status
		m.Burn.Disputed = true
		dispute = &ledger.Dispute{
			ID:         uuid.New(),
			EscrowID:   m.Escrow.ID,
			OpenedBy:   openedBy,
			Reason:     reason,
			Status:     ledger.DisputeOpen,
			Escalation: level,
			CreatedAt:  time.Now().UTC(),
		}
		m.CreateDispute(dispute)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventEscrowDisputed,
		EntityID: req.EscrowID,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Status:   string(escrowStatus),
		Note:     reason,
	})
	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventDisputeOpened,
		EntityID: dispute.ID,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Status:   string(dispute.Status),
		Note:     reason,
	})
	return dispute, nil
}

// Expire force-expires a locked escrow past its grace window: same fund
// effect as a refund. Idempotent against concurrent transitions.
func (s *Service) Expire(ctx context.Context, id uuid.UUID, now time.Time) error {
	req, err := s.store.BurnOf(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == ledger.RequestExpired {
		return nil
	}

	err = s.store.Mutate(ctx, ledger.Scope{
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		Token:         req.Token,
		BurnID:        id,
		EscrowID:      req.EscrowID,
		ReservationID: req.ReservationID,
	}, func(m *ledger.Mutation) error {
		if m.Escrow.Status != ledger.EscrowLocked {
			return ledger.ErrAlreadyTransitioned
		}
		if now.Before(m.Escrow.ExpiresAt.Add(s.cfg.Grace)) {
			return fmt.Errorf("expire burn: %w", ledger.ErrInvalidArgument)
		}
		return s.RefundLocked(m, ledger.RequestExpired, ledger.EscrowExpired)
	})
	if err == ledger.ErrAlreadyTransitioned {
		cur, gerr := s.store.BurnOf(ctx, id)
		if gerr == nil && cur.Status == ledger.RequestExpired {
			return nil
		}
	}
	if err != nil {
		return err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventBurnExpired,
		EntityID: id,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Status:   string(ledger.RequestExpired),
	})
	return nil
}

// SweepDue walks locked escrows past their deadline. Within the grace
// window the escrow auto-escalates to a dispute; past it, with no
// dispute opened, the escrow expires and the user is made whole.
func (s *Service) SweepDue(ctx context.Context, now time.Time) (disputed, expired int, err error) {
	due, err := s.store.DueEscrows(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	for _, escrowID := range due {
		esc, err := s.store.EscrowOf(ctx, escrowID)
		if err != nil {
			continue
		}
		if now.Before(esc.ExpiresAt.Add(s.cfg.Grace)) {
			if _, err := s.Dispute(ctx, esc.BurnRequestID, "system", "settlement window elapsed"); err == nil {
				disputed++
			}
			continue
		}
		if err := s.Expire(ctx, esc.BurnRequestID, now); err == nil {
			expired++
		}
	}
	return disputed, expired, nil
}
