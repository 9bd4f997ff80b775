package mint_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/internal/ledger/memstore"
	"github.com/exonet/tokenvault/internal/mint"
)

func newFixture(t *testing.T) (*memstore.Store, *mint.Service, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	now := time.Now().UTC()
	agent := &ledger.Agent{
		ID:         uuid.New(),
		Name:       "mint-agent",
		Status:     ledger.AgentActive,
		Tier:       1,
		DepositUSD: decimal.NewFromInt(1000),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateAgent(context.Background(), agent))

	svc := mint.NewService(store, nil, mint.Config{
		Rates:   ledger.RateTable{ledger.TokenNT: decimal.NewFromInt(1)},
		FeeRate: decimal.NewFromFloat(0.0075),
		TTL:     30 * time.Minute,
	})
	return store, svc, agent.ID
}

func TestCreateMint(t *testing.T) {
	ctx := context.Background()

	t.Run("should reserve capacity and open pending request", func(t *testing.T) {
		store, svc, agentID := newFixture(t)

		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(200),
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.RequestPending, req.Status)
		assert.NotEqual(t, uuid.Nil, req.ReservationID)

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.Equal(decimal.NewFromInt(200)))

		res, err := store.ReservationOf(ctx, req.ReservationID)
		require.NoError(t, err)
		assert.Equal(t, ledger.ReservationHeld, res.State)
	})

	t.Run("should reject zero amount", func(t *testing.T) {
		_, svc, agentID := newFixture(t)
		_, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.Zero,
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("should reject when capacity is exhausted", func(t *testing.T) {
		_, svc, agentID := newFixture(t)
		_, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(1200),
		})
		assert.ErrorIs(t, err, ledger.ErrInsufficientCapacity)
	})
}

func TestConfirmMint(t *testing.T) {
	ctx := context.Background()

	t.Run("should credit wallet and record mint plus commission", func(t *testing.T) {
		store, svc, agentID := newFixture(t)
		userID := uuid.New()

		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  userID,
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(200),
		})
		require.NoError(t, err)

		_, err = svc.SubmitProof(ctx, req.ID, "https://proofs.example/p1")
		require.NoError(t, err)

		out, err := svc.Confirm(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.RequestConfirmed, out.Status)

		w, err := store.WalletOf(ctx, userID, ledger.TokenNT)
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(200)))
		assert.True(t, w.PendingBalance.IsZero())

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.OutstandingUSD.Equal(decimal.NewFromInt(200)))
		assert.True(t, a.ReservedUSD.IsZero())

		txns, _, err := store.Transactions(ctx, ledger.TxFilter{AgentID: agentID}, ledger.Page{})
		require.NoError(t, err)
		require.Len(t, txns, 2)
		types := map[ledger.TxType]bool{}
		for _, txn := range txns {
			types[txn.Type] = true
			if txn.Type == ledger.TxFee {
				assert.True(t, txn.AmountUSD.Equal(decimal.NewFromFloat(1.5)))
			}
		}
		assert.True(t, types[ledger.TxMint])
		assert.True(t, types[ledger.TxFee])
	})

	t.Run("should refuse confirm without proof", func(t *testing.T) {
		_, svc, agentID := newFixture(t)
		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(50),
		})
		require.NoError(t, err)

		_, err = svc.Confirm(ctx, req.ID)
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})

	t.Run("should refuse confirm into frozen wallet", func(t *testing.T) {
		store, svc, agentID := newFixture(t)
		userID := uuid.New()
		now := time.Now().UTC()
		require.NoError(t, store.CreateWallet(ctx, &ledger.Wallet{
			UserID: userID, Token: ledger.TokenNT, Frozen: true,
			CreatedAt: now, UpdatedAt: now,
		}))

		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  userID,
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(50),
		})
		require.NoError(t, err)
		_, err = svc.SubmitProof(ctx, req.ID, "https://proofs.example/p2")
		require.NoError(t, err)

		_, err = svc.Confirm(ctx, req.ID)
		assert.ErrorIs(t, err, ledger.ErrWalletFrozen)

		// Nothing committed.
		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.OutstandingUSD.IsZero())
		assert.True(t, a.ReservedUSD.Equal(decimal.NewFromInt(50)))
	})
}

func TestRejectAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("reject releases the reservation", func(t *testing.T) {
		store, svc, agentID := newFixture(t)
		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(300),
		})
		require.NoError(t, err)

		out, err := svc.Reject(ctx, req.ID, "proof unreadable")
		require.NoError(t, err)
		assert.Equal(t, ledger.RequestRejected, out.Status)

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.IsZero())
		assert.True(t, a.AvailableCapacity().Equal(decimal.NewFromInt(1000)))
	})

	t.Run("cancel requires ownership", func(t *testing.T) {
		_, svc, agentID := newFixture(t)
		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(100),
		})
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, req.ID, uuid.New())
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("cancel only while pending", func(t *testing.T) {
		_, svc, agentID := newFixture(t)
		userID := uuid.New()
		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  userID,
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(100),
		})
		require.NoError(t, err)
		_, err = svc.SubmitProof(ctx, req.ID, "https://proofs.example/p3")
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, req.ID, userID)
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})

	t.Run("terminal request refuses further transitions", func(t *testing.T) {
		_, svc, agentID := newFixture(t)
		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(100),
		})
		require.NoError(t, err)
		_, err = svc.Reject(ctx, req.ID, "first")
		require.NoError(t, err)

		_, err = svc.Reject(ctx, req.ID, "second")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})
}

func TestExpireMint(t *testing.T) {
	ctx := context.Background()

	t.Run("expire is a no-op before the deadline", func(t *testing.T) {
		_, svc, agentID := newFixture(t)
		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(100),
		})
		require.NoError(t, err)

		err = svc.Expire(ctx, req.ID, time.Now().UTC())
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("expire past the deadline releases capacity and is idempotent", func(t *testing.T) {
		store, svc, agentID := newFixture(t)
		req, err := svc.Create(ctx, mint.CreateRequest{
			UserID:  uuid.New(),
			AgentID: agentID,
			Token:   ledger.TokenNT,
			Amount:  decimal.NewFromInt(100),
		})
		require.NoError(t, err)

		later := req.ExpiresAt.Add(time.Minute)
		require.NoError(t, svc.Expire(ctx, req.ID, later))
		require.NoError(t, svc.Expire(ctx, req.ID, later))

		cur, err := store.MintOf(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.RequestExpired, cur.Status)

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.IsZero())
	})

	t.Run("sweep expires everything overdue", func(t *testing.T) {
		store, svc, agentID := newFixture(t)
		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			req, err := svc.Create(ctx, mint.CreateRequest{
				UserID:  uuid.New(),
				AgentID: agentID,
				Token:   ledger.TokenNT,
				Amount:  decimal.NewFromInt(100),
			})
			require.NoError(t, err)
			ids = append(ids, req.ID)
		}

		n, err := svc.ExpireDue(ctx, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		for _, id := range ids {
			cur, err := store.MintOf(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, ledger.RequestExpired, cur.Status)
		}

		a, err := store.Agent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, a.ReservedUSD.IsZero())
	})
}
