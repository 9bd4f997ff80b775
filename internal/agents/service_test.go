package agents_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exonet/tokenvault/internal/agents"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/internal/ledger/memstore"
)

func newService() (*agents.Service, *memstore.Store) {
	store := memstore.New()
	return agents.NewService(store, nil), store
}

func register(t *testing.T, svc *agents.Service, deposit int64) *ledger.Agent {
	t.Helper()
	a, err := svc.Register(context.Background(), agents.RegisterRequest{
		Name:       "acme-otc",
		DepositUSD: decimal.NewFromInt(deposit),
	})
	require.NoError(t, err)
	return a
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("should create a pending agent with its bond", func(t *testing.T) {
		svc, store := newService()

		a, err := svc.Register(ctx, agents.RegisterRequest{
			Name:       "acme-otc",
			Tier:       2,
			DepositUSD: decimal.NewFromInt(5000),
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentPending, a.Status)
		assert.Equal(t, 2, a.Tier)
		assert.True(t, a.DepositUSD.Equal(decimal.NewFromInt(5000)))
		assert.True(t, a.OutstandingUSD.IsZero())
		assert.True(t, a.ReservedUSD.IsZero())

		got, err := store.Agent(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
	})

	t.Run("should default the tier to 1", func(t *testing.T) {
		svc, _ := newService()
		a := register(t, svc, 1000)
		assert.Equal(t, 1, a.Tier)
	})

	t.Run("should require a name and a positive deposit", func(t *testing.T) {
		svc, _ := newService()

		_, err := svc.Register(ctx, agents.RegisterRequest{DepositUSD: decimal.NewFromInt(100)})
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

		_, err = svc.Register(ctx, agents.RegisterRequest{Name: "no-bond"})
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})
}

func TestKYCLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("should walk pending through review to active", func(t *testing.T) {
		svc, _ := newService()
		a := register(t, svc, 1000)

		a, err := svc.StartReview(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentUnderReview, a.Status)

		a, err = svc.ApproveKYC(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentApproved, a.Status)

		a, err = svc.Activate(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentActive, a.Status)
	})

	t.Run("should approve straight from pending", func(t *testing.T) {
		svc, _ := newService()
		a := register(t, svc, 1000)

		a, err := svc.ApproveKYC(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentApproved, a.Status)
	})

	t.Run("should send a rejected agent back to pending", func(t *testing.T) {
		svc, _ := newService()
		a := register(t, svc, 1000)

		_, err := svc.StartReview(ctx, a.ID)
		require.NoError(t, err)

		a, err = svc.RejectKYC(ctx, a.ID, "documents unreadable")
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentPending, a.Status)

		// Resubmission runs the same path again.
		_, err = svc.StartReview(ctx, a.ID)
		require.NoError(t, err)
	})

	t.Run("should refuse transitions out of order", func(t *testing.T) {
		svc, _ := newService()
		a := register(t, svc, 1000)

		// Pending agents cannot be activated or suspended.
		_, err := svc.Activate(ctx, a.ID)
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
		_, err = svc.Suspend(ctx, a.ID, "early")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)

		// RejectKYC only applies while under review.
		_, err = svc.RejectKYC(ctx, a.ID, "nope")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})

	t.Run("should error on an unknown agent", func(t *testing.T) {
		svc, _ := newService()
		_, err := svc.StartReview(ctx, uuid.New())
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestSuspendAndReactivate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	a := register(t, svc, 1000)

	_, err := svc.ApproveKYC(ctx, a.ID)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, a.ID)
	require.NoError(t, err)

	a, err = svc.Suspend(ctx, a.ID, "compliance hold")
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentSuspended, a.Status)

	// A suspended agent cannot be suspended again.
	_, err = svc.Suspend(ctx, a.ID, "again")
	assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)

	a, err = svc.Activate(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentActive, a.Status)
}

func TestTopUpDeposit(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	a := register(t, svc, 1000)

	t.Run("should grow the bond", func(t *testing.T) {
		out, err := svc.TopUpDeposit(ctx, a.ID, decimal.NewFromInt(250))
		require.NoError(t, err)
		assert.True(t, out.DepositUSD.Equal(decimal.NewFromInt(1250)))

		got, err := store.Agent(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.DepositUSD.Equal(decimal.NewFromInt(1250)))
	})

	t.Run("should reject a non-positive amount", func(t *testing.T) {
		_, err := svc.TopUpDeposit(ctx, a.ID, decimal.Zero)
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})
}

func TestWallets(t *testing.T) {
	ctx := context.Background()

	t.Run("should provision an empty wallet", func(t *testing.T) {
		svc, store := newService()
		userID := uuid.New()

		w, err := svc.ProvisionWallet(ctx, userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.True(t, w.Balance.IsZero())
		assert.False(t, w.Frozen)

		got, err := store.WalletOf(ctx, userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.Equal(t, userID, got.UserID)
	})

	t.Run("should reject an invalid token type", func(t *testing.T) {
		svc, _ := newService()
		_, err := svc.ProvisionWallet(ctx, uuid.New(), ledger.TokenType("doge"))
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("should freeze and unfreeze", func(t *testing.T) {
		svc, store := newService()
		userID := uuid.New()
		_, err := svc.ProvisionWallet(ctx, userID, ledger.TokenNT)
		require.NoError(t, err)

		w, err := svc.SetWalletFrozen(ctx, userID, ledger.TokenNT, true)
		require.NoError(t, err)
		assert.True(t, w.Frozen)

		w, err = svc.SetWalletFrozen(ctx, userID, ledger.TokenNT, false)
		require.NoError(t, err)
		assert.False(t, w.Frozen)

		got, err := store.WalletOf(ctx, userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.False(t, got.Frozen)
	})
}
