package capacity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exonet/tokenvault/internal/capacity"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/internal/ledger/memstore"
)

func seedAgent(t *testing.T, store ledger.Store, deposit int64) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	a := &ledger.Agent{
		ID:         uuid.New(),
		Name:       "agent-one",
		Status:     ledger.AgentActive,
		Tier:       1,
		DepositUSD: decimal.NewFromInt(deposit),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateAgent(context.Background(), a))
	return a.ID
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("should hold capacity on reserve", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		res, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(700), ledger.ReserveMint)
		require.NoError(t, err)
		assert.Equal(t, ledger.ReservationHeld, res.State)

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.Equal(decimal.NewFromInt(700)))
		assert.True(t, a.AvailableCapacity().Equal(decimal.NewFromInt(300)))
	})

	t.Run("should reject reserve beyond available capacity", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		_, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(700), ledger.ReserveMint)
		require.NoError(t, err)

		_, err = acct.Reserve(ctx, agentID, decimal.NewFromInt(400), ledger.ReserveMint)
		assert.ErrorIs(t, err, ledger.ErrInsufficientCapacity)
	})

	t.Run("should reject reserve for suspended agent", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		require.NoError(t, store.Mutate(ctx, ledger.Scope{AgentID: agentID}, func(m *ledger.Mutation) error {
			m.Agent.Status = ledger.AgentSuspended
			return nil
		}))

		acct := capacity.NewAccountant(store)
		_, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(10), ledger.ReserveMint)
		assert.ErrorIs(t, err, ledger.ErrAgentNotTransactable)
	})

	t.Run("exactly one of two racing reserves wins the last slot", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = acct.Reserve(ctx, agentID, decimal.NewFromInt(700), ledger.ReserveMint)
			}(i)
		}
		wg.Wait()

		won, lost := 0, 0
		for _, err := range errs {
			if err == nil {
				won++
			} else {
				assert.ErrorIs(t, err, ledger.ErrInsufficientCapacity)
				lost++
			}
		}
		assert.Equal(t, 1, won)
		assert.Equal(t, 1, lost)

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.Equal(decimal.NewFromInt(700)))
	})
}

func TestCommitAndRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("commit moves reserved into outstanding", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		res, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(250), ledger.ReserveMint)
		require.NoError(t, err)
		require.NoError(t, acct.Commit(ctx, res.ID))

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.IsZero())
		assert.True(t, a.OutstandingUSD.Equal(decimal.NewFromInt(250)))
		assert.True(t, a.TotalMintedUSD.Equal(decimal.NewFromInt(250)))
		assert.True(t, a.AvailableCapacity().Equal(decimal.NewFromInt(750)))
	})

	t.Run("burn commit reduces outstanding", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		mintRes, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(400), ledger.ReserveMint)
		require.NoError(t, err)
		require.NoError(t, acct.Commit(ctx, mintRes.ID))

		burnRes, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(150), ledger.ReserveBurn)
		require.NoError(t, err)
		require.NoError(t, acct.Commit(ctx, burnRes.ID))

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.OutstandingUSD.Equal(decimal.NewFromInt(250)))
		assert.True(t, a.TotalBurnedUSD.Equal(decimal.NewFromInt(150)))
	})

	t.Run("release restores capacity", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		res, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(600), ledger.ReserveMint)
		require.NoError(t, err)
		require.NoError(t, acct.Release(ctx, res.ID))

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.IsZero())
		assert.True(t, a.AvailableCapacity().Equal(decimal.NewFromInt(1000)))
	})

	t.Run("double release is rejected", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		res, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(100), ledger.ReserveMint)
		require.NoError(t, err)
		require.NoError(t, acct.Release(ctx, res.ID))

		err = acct.Release(ctx, res.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidReservationState)
	})

	t.Run("commit after release is rejected", func(t *testing.T) {
		store := memstore.New()
		agentID := seedAgent(t, store, 1000)
		acct := capacity.NewAccountant(store)

		res, err := acct.Reserve(ctx, agentID, decimal.NewFromInt(100), ledger.ReserveMint)
		require.NoError(t, err)
		require.NoError(t, acct.Release(ctx, res.ID))

		err = acct.Commit(ctx, res.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidReservationState)

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.OutstandingUSD.IsZero())
	})
}
