package burn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exonet/tokenvault/internal/burn"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/internal/ledger/memstore"
)

type fixture struct {
	store   *memstore.Store
	svc     *burn.Service
	agentID uuid.UUID
	userID  uuid.UUID
}

// newFixture seeds an active agent with outstanding tokens and a user
// wallet holding 500 NT.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	now := time.Now().UTC()

	agent := &ledger.Agent{
		ID:             uuid.New(),
		Name:           "burn-agent",
		Status:         ledger.AgentActive,
		Tier:           1,
		DepositUSD:     decimal.NewFromInt(1000),
		OutstandingUSD: decimal.NewFromInt(500),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.CreateAgent(ctx, agent))

	userID := uuid.New()
	require.NoError(t, store.CreateWallet(ctx, &ledger.Wallet{
		UserID:    userID,
		Token:     ledger.TokenNT,
		Balance:   decimal.NewFromInt(500),
		CreatedAt: now,
		UpdatedAt: now,
	}))

	svc := burn.NewService(store, nil, burn.Config{
		Rates:   ledger.RateTable{ledger.TokenNT: decimal.NewFromInt(1)},
		FeeRate: decimal.NewFromFloat(0.0075),
		TTL:     time.Hour,
		Grace:   15 * time.Minute,
	})
	return &fixture{store: store, svc: svc, agentID: agent.ID, userID: userID}
}

func (f *fixture) create(t *testing.T, amount int64) *ledger.BurnRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), burn.CreateRequest{
		UserID:  f.userID,
		AgentID: f.agentID,
		Token:   ledger.TokenNT,
		Amount:  decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return req
}

func TestCreateBurn(t *testing.T) {
	ctx := context.Background()

	t.Run("should lock amount into pending balance with escrow", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 200)

		assert.Equal(t, ledger.RequestPending, req.Status)

		esc, err := f.store.EscrowOf(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowLocked, esc.Status)
		assert.Equal(t, req.ID, esc.BurnRequestID)

		w, err := f.store.WalletOf(ctx, f.userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(500)))
		assert.True(t, w.PendingBalance.Equal(decimal.NewFromInt(200)))
		assert.True(t, w.Available().Equal(decimal.NewFromInt(300)))

		a, err := f.store.Agent(ctx, f.agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.Equal(decimal.NewFromInt(200)))
	})

	t.Run("should reject when spendable balance is short", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, 400)

		_, err := f.svc.Create(ctx, burn.CreateRequest{
			UserID:  f.userID,
			AgentID: f.agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(200),
		})
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})

	t.Run("should reject a frozen wallet", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Mutate(ctx, ledger.Scope{UserID: f.userID, Token: ledger.TokenNT}, func(m *ledger.Mutation) error {
			m.Wallet.Frozen = true
			return nil
		}))

		_, err := f.svc.Create(ctx, burn.CreateRequest{
			UserID:  f.userID,
			AgentID: f.agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(10),
		})
		assert.ErrorIs(t, err, ledger.ErrWalletFrozen)
	})
}

func TestCompleteBurn(t *testing.T) {
	ctx := context.Background()

	t.Run("should debit balance and settle escrow", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 200)

		out, err := f.svc.Complete(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.RequestConfirmed, out.Status)

		esc, err := f.store.EscrowOf(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowCompleted, esc.Status)

		w, err := f.store.WalletOf(ctx, f.userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(300)))
		assert.True(t, w.PendingBalance.IsZero())

		a, err := f.store.Agent(ctx, f.agentID)
		require.NoError(t, err)
		assert.True(t, a.OutstandingUSD.Equal(decimal.NewFromInt(300)))
		assert.True(t, a.TotalBurnedUSD.Equal(decimal.NewFromInt(200)))
		assert.True(t, a.ReservedUSD.IsZero())

		txns, _, err := f.store.Transactions(ctx, ledger.TxFilter{AgentID: f.agentID}, ledger.Page{})
		require.NoError(t, err)
		require.Len(t, txns, 2)
	})

	t.Run("complete twice is rejected", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 100)

		_, err := f.svc.Complete(ctx, req.ID)
		require.NoError(t, err)
		_, err = f.svc.Complete(ctx, req.ID)
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})

	t.Run("confirmed record comes back even when a re-read would fail", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 100)

		flaky := burn.NewService(&brokenReadStore{Store: f.store}, nil, burn.Config{
			Rates: ledger.RateTable{ledger.TokenNT: decimal.NewFromInt(1)},
		})
		out, err := flaky.Complete(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, ledger.RequestConfirmed, out.Status)
	})
}

// brokenReadStore serves the first burn lookup and fails every one after
// it, while mutations keep working.
type brokenReadStore struct {
	ledger.Store
	reads int
}

func (s *brokenReadStore) BurnOf(ctx context.Context, id uuid.UUID) (*ledger.BurnRequest, error) {
	s.reads++
	if s.reads > 1 {
		return nil, errors.New("backend unavailable")
	}
	return s.Store.BurnOf(ctx, id)
}

func TestDisputeBurn(t *testing.T) {
	ctx := context.Background()

	t.Run("manual dispute opens at level one and freezes funds", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 150)

		d, err := f.svc.Dispute(ctx, req.ID, "user", "payout never arrived")
		require.NoError(t, err)
		assert.Equal(t, ledger.DisputeOpen, d.Status)
		assert.Equal(t, ledger.EscalationLevel1, d.Escalation)
		assert.Equal(t, "user", d.OpenedBy)

		esc, err := f.store.EscrowOf(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowDisputed, esc.Status)

		// Funds stay locked until resolution.
		w, err := f.store.WalletOf(ctx, f.userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.True(t, w.PendingBalance.Equal(decimal.NewFromInt(150)))

		cur, err := f.store.BurnOf(ctx, req.ID)
		require.NoError(t, err)
		assert.True(t, cur.Disputed)
	})

	t.Run("system dispute opens at the auto level", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 150)

		d, err := f.svc.Dispute(ctx, req.ID, "system", "settlement window elapsed")
		require.NoError(t, err)
		assert.Equal(t, ledger.EscalationAuto, d.Escalation)
	})

	t.Run("dispute on an expired escrow contests the refund", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 150)
		require.NoError(t, f.svc.Expire(ctx, req.ID, req.ExpiresAt.Add(time.Hour)))

		d, err := f.svc.Dispute(ctx, req.ID, "user", "payout landed after expiry")
		require.NoError(t, err)
		assert.Equal(t, ledger.DisputeOpen, d.Status)
		assert.Equal(t, ledger.EscalationLevel1, d.Escalation)

		// The sweep already refunded; nothing moves again.
		esc, err := f.store.EscrowOf(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowExpired, esc.Status)

		w, err := f.store.WalletOf(ctx, f.userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(500)))
		assert.True(t, w.PendingBalance.IsZero())

		cur, err := f.store.BurnOf(ctx, req.ID)
		require.NoError(t, err)
		assert.True(t, cur.Disputed)
	})

	t.Run("second dispute for the same escrow is rejected", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 150)
		require.NoError(t, f.svc.Expire(ctx, req.ID, req.ExpiresAt.Add(time.Hour)))

		_, err := f.svc.Dispute(ctx, req.ID, "user", "payout landed after expiry")
		require.NoError(t, err)
		_, err = f.svc.Dispute(ctx, req.ID, "agent", "same grievance again")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})

	t.Run("dispute on settled escrow is rejected", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 100)
		_, err := f.svc.Complete(ctx, req.ID)
		require.NoError(t, err)

		_, err = f.svc.Dispute(ctx, req.ID, "user", "too late")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})
}

func TestExpireBurn(t *testing.T) {
	ctx := context.Background()

	t.Run("expire past grace refunds the user", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 200)

		past := req.ExpiresAt.Add(20 * time.Minute)
		require.NoError(t, f.svc.Expire(ctx, req.ID, past))
		require.NoError(t, f.svc.Expire(ctx, req.ID, past))

		esc, err := f.store.EscrowOf(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowExpired, esc.Status)

		w, err := f.store.WalletOf(ctx, f.userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(500)))
		assert.True(t, w.PendingBalance.IsZero())

		a, err := f.store.Agent(ctx, f.agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.IsZero())
		assert.True(t, a.OutstandingUSD.Equal(decimal.NewFromInt(500)))
	})

	t.Run("expire within grace is refused", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 200)

		err := f.svc.Expire(ctx, req.ID, req.ExpiresAt.Add(time.Minute))
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})
}

func TestSweepDue(t *testing.T) {
	ctx := context.Background()

	t.Run("within grace the sweep opens an auto dispute", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 100)

		disputed, expired, err := f.svc.SweepDue(ctx, req.ExpiresAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, disputed)
		assert.Equal(t, 0, expired)

		d, err := f.store.OpenDisputeForEscrow(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, "system", d.OpenedBy)
		assert.Equal(t, ledger.EscalationAuto, d.Escalation)
	})

	t.Run("past grace with no dispute the escrow expires", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 100)

		disputed, expired, err := f.svc.SweepDue(ctx, req.ExpiresAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, disputed)
		assert.Equal(t, 1, expired)

		esc, err := f.store.EscrowOf(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowExpired, esc.Status)
	})

	t.Run("a disputed escrow is left alone by later sweeps", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, 100)
		_, err := f.svc.Dispute(ctx, req.ID, "user", "payout missing")
		require.NoError(t, err)

		disputed, expired, err := f.svc.SweepDue(ctx, req.ExpiresAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, disputed)
		assert.Equal(t, 0, expired)

		esc, err := f.store.EscrowOf(ctx, req.EscrowID)
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowDisputed, esc.Status)
	})
}
