// Package mint drives a user's token-purchase request against an agent
// from creation through confirmation or failure. Capacity is reserved at
// creation and either committed (confirm) or released (reject, cancel,
// expire); transitions are compare-and-set on the current status so a
// losing concurrent writer observes ErrAlreadyTransitioned.
package mint

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

// Config tunes the mint lifecycle.
type Config struct {
	Rates   ledger.RateTable
	FeeRate decimal.Decimal
	TTL     time.Duration
}

// Service is the mint request state machine.
type Service struct {
	store  ledger.Store
	events *messaging.Client
	cfg    Config
}

// NewService returns a mint service over the store.
func NewService(store ledger.Store, events *messaging.Client, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	return &Service{store: store, events: events, cfg: cfg}
}

// CreateRequest is the input for a new mint request.
type CreateRequest struct {
	UserID  uuid.UUID
	AgentID uuid.UUID
	Token   ledger.TokenType
	Amount  decimal.Decimal
}

// Create reserves capacity against the agent and opens a pending mint
// request. The whole creation fails if the agent cannot cover the
// USD-equivalent amount.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ledger.MintRequest, error) {
	if !req.Token.Valid() || req.Amount.Sign() <= 0 || req.UserID == uuid.Nil {
		return nil, fmt.Errorf("create mint: %w", ledger.ErrInvalidArgument)
	}
	amountUSD := s.cfg.Rates.USD(req.Token, req.Amount)

	var created *ledger.MintRequest
	err := s.store.Mutate(ctx, ledger.Scope{AgentID: req.AgentID}, func(m *ledger.Mutation) error {
		res, err := capacity.ReserveLocked(m, amountUSD, ledger.ReserveMint)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		created = &ledger.MintRequest{
			ID:            uuid.New(),
			UserID:        req.UserID,
			AgentID:       req.AgentID,
			ReservationID: res.ID,
			Token:         req.Token,
			Amount:        req.Amount,
			AmountUSD:     amountUSD,
			Status:        ledger.RequestPending,
			ExpiresAt:     now.Add(s.cfg.TTL),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.CreateMint(created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventMintCreated,
		EntityID: created.ID,
		AgentID:  created.AgentID,
		UserID:   created.UserID,
		Amount:   created.Amount.String(),
		Token:    string(created.Token),
		Status:   string(created.Status),
	})
	return created, nil
}

// SubmitProof attaches the user's fiat payment proof. No capacity
// effect.
func (s *Service) SubmitProof(ctx context.Context, id uuid.UUID, proofURL string) (*ledger.MintRequest, error) {
	if proofURL == "" {
		return nil, fmt.Errorf("submit proof: %w", ledger.ErrInvalidArgument)
	}
	req, err := s.store.MintOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *ledger.MintRequest
	err = s.store.Mutate(ctx, ledger.Scope{AgentID: req.AgentID, MintID: id}, func(m *ledger.Mutation) error {
		if m.Mint.Status != ledger.RequestPending {
			return ledger.ErrAlreadyTransitioned
		}
		m.Mint.Status = ledger.RequestProofSubmitted
		m.Mint.PaymentProofURL = proofURL
		out = m.Mint
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventMintProof,
		EntityID: out.ID,
		AgentID:  out.AgentID,
		UserID:   out.UserID,
		Status:   string(out.Status),
	})
	return out, nil
}

// Confirm records the agent's confirmation that fiat arrived: the
// reservation is committed, the user's wallet credited, and mint plus
// commission transactions appended, all in one ledger commit.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*ledger.MintRequest, error) {
	req, err := s.store.MintOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *ledger.MintRequest
	err = s.store.Mutate(ctx, ledger.Scope{
		AgentID:               req.AgentID,
		UserID:                req.UserID,
		Token:                 req.Token,
		MintID:                id,
		ReservationID:         req.ReservationID,
		CreateWalletIfMissing: true,
	}, func(m *ledger.Mutation) error {
		if m.Mint.Status != ledger.RequestProofSubmitted {
			return ledger.ErrAlreadyTransitioned
		}
		if m.Wallet.Frozen {
			return ledger.ErrWalletFrozen
		}
		if err := capacity.CommitLocked(m); err != nil {
			return err
		}
		m.Wallet.Balance = m.Wallet.Balance.Add(m.Mint.Amount)
		m.Mint.Status = ledger.RequestConfirmed

		m.Record(&ledger.Transaction{
			Type:      ledger.TxMint,
			UserID:    m.Mint.UserID,
			AgentID:   m.Mint.AgentID,
			Token:     m.Mint.Token,
			Amount:    m.Mint.Amount,
			AmountUSD: m.Mint.AmountUSD,
			Reference: m.Mint.ID.String(),
		})
		if s.cfg.FeeRate.Sign() > 0 {
			m.Record(&ledger.Transaction{
				Type:      ledger.TxFee,
				AgentID:   m.Mint.AgentID,
				AmountUSD: m.Mint.AmountUSD.Mul(s.cfg.FeeRate),
				Reference: m.Mint.ID.String(),
				Note:      "mint commission",
			})
		}
		out = m.Mint
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventMintConfirmed,
		EntityID: out.ID,
		AgentID:  out.AgentID,
		UserID:   out.UserID,
		Amount:   out.Amount.String(),
		Token:    string(out.Token),
		Status:   string(out.Status),
	})
	return out, nil
}

// Reject fails the request from pending or proof_submitted and releases
// the reservation. No balance changes.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*ledger.MintRequest, error) {
	return s.fail(ctx, id, ledger.RequestRejected, messaging.EventMintRejected, reason, nil)
}

// Cancel is the user's own withdrawal of a request, allowed only while
// still pending.
func (s *Service) Cancel(ctx context.Context, id, userID uuid.UUID) (*ledger.MintRequest, error) {
	req, err := s.store.MintOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, fmt.Errorf("cancel mint: %w", ledger.ErrInvalidArgument)
	}
	onlyPending := ledger.RequestPending
	return s.fail(ctx, id, ledger.RequestCancelled, messaging.EventMintCancelled, "cancelled by user", &onlyPending)
}

// Expire times out a request past its deadline. Idempotent: expiring an
// already-expired request is a no-op.
func (s *Service) Expire(ctx context.Context, id uuid.UUID, now time.Time) error {
	req, err := s.store.MintOf(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == ledger.RequestExpired {
		return nil
	}
	if now.Before(req.ExpiresAt) {
		return fmt.Errorf("expire mint: %w", ledger.ErrInvalidArgument)
	}
	_, err = s.fail(ctx, id, ledger.RequestExpired, messaging.EventMintExpired, "expired", nil)
	if err == ledger.ErrAlreadyTransitioned {
		// Lost the race; check whether the winner reached our state.
		cur, gerr := s.store.MintOf(ctx, id)
		if gerr == nil && cur.Status == ledger.RequestExpired {
			return nil
		}
	}
	return err
}

// ExpireDue sweeps all overdue requests. Safe to run concurrently with
// user-driven transitions.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueMints(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range due {
		if err := s.Expire(ctx, id, now); err == nil {
			n++
		}
	}
	return n, nil
}

func (s *Service) fail(ctx context.Context, id uuid.UUID, to ledger.RequestStatus, subject, note string, onlyFrom *ledger.RequestStatus) (*ledger.MintRequest, error) {
	req, err := s.store.MintOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *ledger.MintRequest
	err = s.store.Mutate(ctx, ledger.Scope{
		AgentID:       req.AgentID,
		MintID:        id,
		ReservationID: req.ReservationID,
	}, func(m *ledger.Mutation) error {
		if m.Mint.Status.Terminal() {
			return ledger.ErrAlreadyTransitioned
		}
		if onlyFrom != nil && m.Mint.Status != *onlyFrom {
			return ledger.ErrAlreadyTransitioned
		}
		if err := capacity.ReleaseLocked(m); err != nil {
			return err
		}
		m.Mint.Status = to
		out = m.Mint
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, messaging.Event{
		Subject:  subject,
		EntityID: out.ID,
		AgentID:  out.AgentID,
		UserID:   out.UserID,
		Status:   string(out.Status),
		Note:     note,
	})
	return out, nil
}
