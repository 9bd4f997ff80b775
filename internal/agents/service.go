// Package agents manages the agent registry: onboarding, KYC review,
// suspension, and wallet provisioning. Capacity figures on the agent
// record are owned by the capacity accountant; this service only moves
// the lifecycle status.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/pkg/messaging"
)

// Service administers agent records.
type Service struct {
	store  ledger.Store
	events *messaging.Client
}

// NewService returns an agent admin service over the store.
func NewService(store ledger.Store, events *messaging.Client) *Service {
	return &Service{store: store, events: events}
}

// RegisterRequest is the input for onboarding a new agent.
type RegisterRequest struct {
	Name       string
	Tier       int
	DepositUSD decimal.Decimal
}

// Register creates a new agent in pending status with its bond deposit.
// The agent cannot take reservations until KYC approval.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*ledger.Agent, error) {
	if req.Name == "" || req.DepositUSD.Sign() <= 0 {
		return nil, fmt.Errorf("register agent: %w", ledger.ErrInvalidArgument)
	}
	if req.Tier <= 0 {
		req.Tier = 1
	}
	now := time.Now().UTC()
	a := &ledger.Agent{
		ID:         uuid.New(),
		Name:       req.Name,
		Status:     ledger.AgentPending,
		Tier:       req.Tier,
		DepositUSD: req.DepositUSD,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, a, "registered")
	return a, nil
}

// StartReview moves a pending agent into KYC review.
func (s *Service) StartReview(ctx context.Context, id uuid.UUID) (*ledger.Agent, error) {
	return s.transition(ctx, id, ledger.AgentUnderReview, "kyc review started",
		ledger.AgentPending)
}

// ApproveKYC clears the agent's review. Approved agents may transact;
// Activate marks them fully live.
func (s *Service) ApproveKYC(ctx context.Context, id uuid.UUID) (*ledger.Agent, error) {
	return s.transition(ctx, id, ledger.AgentApproved, "kyc approved",
		ledger.AgentPending, ledger.AgentUnderReview)
}

// RejectKYC sends the agent back to pending for resubmission.
func (s *Service) RejectKYC(ctx context.Context, id uuid.UUID, reason string) (*ledger.Agent, error) {
	return s.transition(ctx, id, ledger.AgentPending, reason,
		ledger.AgentUnderReview)
}

// Activate marks an approved or suspended agent as live.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*ledger.Agent, error) {
	return s.transition(ctx, id, ledger.AgentActive, "activated",
		ledger.AgentApproved, ledger.AgentSuspended)
}

// Suspend halts new reservations for the agent. In-flight requests are
// untouched; they settle or expire on their own.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, reason string) (*ledger.Agent, error) {
	return s.transition(ctx, id, ledger.AgentSuspended, reason,
		ledger.AgentApproved, ledger.AgentActive)
}

// TopUpDeposit adds to the agent's bond, raising available capacity.
func (s *Service) TopUpDeposit(ctx context.Context, id uuid.UUID, amountUSD decimal.Decimal) (*ledger.Agent, error) {
	if amountUSD.Sign() <= 0 {
		return nil, fmt.Errorf("top up deposit: %w", ledger.ErrInvalidArgument)
	}
	var out *ledger.Agent
	err := s.store.Mutate(ctx, ledger.Scope{AgentID: id}, func(m *ledger.Mutation) error {
		m.Agent.DepositUSD = m.Agent.DepositUSD.Add(amountUSD)
		out = m.Agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProvisionWallet creates a zero-balance wallet for a user/token pair.
func (s *Service) ProvisionWallet(ctx context.Context, userID uuid.UUID, token ledger.TokenType) (*ledger.Wallet, error) {
	if userID == uuid.Nil || !token.Valid() {
		return nil, fmt.Errorf("provision wallet: %w", ledger.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	w := &ledger.Wallet{
		UserID:    userID,
		Token:     token,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// SetWalletFrozen flips the freeze flag on a wallet. Frozen wallets
// reject credits and new escrow locks; open escrows still settle.
func (s *Service) SetWalletFrozen(ctx context.Context, userID uuid.UUID, token ledger.TokenType, frozen bool) (*ledger.Wallet, error) {
	var out *ledger.Wallet
	err := s.store.Mutate(ctx, ledger.Scope{UserID: userID, Token: token}, func(m *ledger.Mutation) error {
		m.Wallet.Frozen = frozen
		out = m.Wallet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to ledger.AgentStatus, note string, from ...ledger.AgentStatus) (*ledger.Agent, error) {
	var out *ledger.Agent
	err := s.store.Mutate(ctx, ledger.Scope{AgentID: id}, func(m *ledger.Mutation) error {
		ok := false
		for _, f := range from {
			if m.Agent.Status == f {
				ok = true
				break
			}
		}
		if !ok {
			return ledger.ErrAlreadyTransitioned
		}
		m.Agent.Status = to
		out = m.Agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, out, note)
	return out, nil
}

func (s *Service) publishStatus(ctx context.Context, a *ledger.Agent, note string) {
	s.events.Publish(ctx, messaging.Event{
		Subject:  messaging.EventAgentStatusChanged,
		EntityID: a.ID,
		AgentID:  a.ID,
		Status:   string(a.Status),
		Note:     note,
	})
}
