package withdrawal_test

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
	"github.com/exonet/tokenvault/internal/withdrawal"
)

type fixture struct {
	store   *memstore.Store
	pipe    *withdrawal.Pipeline
	agentID uuid.UUID
}

// newFixture seeds an active agent with a 1000 USD deposit and 400 USD
// of tokens outstanding, leaving 600 USD of free capacity.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	now := time.Now().UTC()

	agent := &ledger.Agent{
		ID:             uuid.New(),
		Name:           "payout-agent",
		Status:         ledger.AgentActive,
		Tier:           1,
		DepositUSD:     decimal.NewFromInt(1000),
		OutstandingUSD: decimal.NewFromInt(400),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.CreateAgent(context.Background(), agent))

	return &fixture{
		store:   store,
		pipe:    withdrawal.NewPipeline(store, nil),
		agentID: agent.ID,
	}
}

// setOutstanding shifts the agent's outstanding tokens mid-test to
// simulate mints settling between request and approval.
func (f *fixture) setOutstanding(t *testing.T, usd int64) {
	t.Helper()
	err := f.store.Mutate(context.Background(), ledger.Scope{AgentID: f.agentID}, func(m *ledger.Mutation) error {
		m.Agent.OutstandingUSD = decimal.NewFromInt(usd)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("should open a pending request within free capacity", func(t *testing.T) {
		f := newFixture(t)

		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(500))
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalPending, req.Status)
		assert.True(t, req.AmountUSD.Equal(decimal.NewFromInt(500)))

		// The request itself moves no money.
		agent, err := f.store.Agent(ctx, f.agentID)
		require.NoError(t, err)
		assert.True(t, agent.DepositUSD.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("should reject a non-positive amount", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.pipe.Create(ctx, f.agentID, decimal.Zero)
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("should record nothing when the amount exceeds max withdrawable", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(700))
		require.ErrorIs(t, err, ledger.ErrExceedsMaxWithdrawable)

		_, total, err := f.store.Withdrawals(ctx, "", ledger.Page{Limit: 10})
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("should count other open requests against max withdrawable", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(500))
		require.NoError(t, err)

		// 600 free minus the 500 already pending leaves 100.
		_, err = f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(200))
		assert.ErrorIs(t, err, ledger.ErrExceedsMaxWithdrawable)

		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(100))
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalPending, req.Status)
	})
}

func TestApproveWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("should approve a pending request that still fits", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(500))
		require.NoError(t, err)

		out, err := f.pipe.Approve(ctx, req.ID, "reviewed")
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalApproved, out.Status)
		assert.Equal(t, "reviewed", out.AdminNotes)
	})

	t.Run("should fail when capacity shrank since the request", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(500))
		require.NoError(t, err)

		// New mints settled: only 100 USD of capacity is free now.
		f.setOutstanding(t, 900)

		_, err = f.pipe.Approve(ctx, req.ID, "")
		require.ErrorIs(t, err, ledger.ErrUnsafeWithdrawal)

		// The request survives as pending; nothing was clamped.
		got, err := f.store.WithdrawalOf(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalPending, got.Status)
		assert.True(t, got.AmountUSD.Equal(decimal.NewFromInt(500)))
	})

	t.Run("should reject a second approval", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(100))
		require.NoError(t, err)

		_, err = f.pipe.Approve(ctx, req.ID, "")
		require.NoError(t, err)
		_, err = f.pipe.Approve(ctx, req.ID, "")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()

	t.Run("should debit the deposit and record the settlement", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(500))
		require.NoError(t, err)
		_, err = f.pipe.Approve(ctx, req.ID, "")
		require.NoError(t, err)

		out, err := f.pipe.MarkPaid(ctx, req.ID, "0xdeadbeef")
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalPaid, out.Status)
		assert.Equal(t, "0xdeadbeef", out.PaidTxHash)

		agent, err := f.store.Agent(ctx, f.agentID)
		require.NoError(t, err)
		assert.True(t, agent.DepositUSD.Equal(decimal.NewFromInt(500)))

		txns, _, err := f.store.Transactions(ctx, ledger.TxFilter{AgentID: f.agentID}, ledger.Page{Limit: 10})
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, ledger.TxWithdrawal, txns[0].Type)
		assert.True(t, txns[0].AmountUSD.Equal(decimal.NewFromInt(500)))
		assert.Equal(t, "0xdeadbeef", txns[0].Note)
	})

	t.Run("should require a settlement reference", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(100))
		require.NoError(t, err)
		_, err = f.pipe.Approve(ctx, req.ID, "")
		require.NoError(t, err)

		_, err = f.pipe.MarkPaid(ctx, req.ID, "")
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("should refuse to pay a request that is not approved", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(100))
		require.NoError(t, err)

		_, err = f.pipe.MarkPaid(ctx, req.ID, "0xabc")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})

	t.Run("should keep the deposit intact when the debit would break solvency", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(500))
		require.NoError(t, err)
		_, err = f.pipe.Approve(ctx, req.ID, "")
		require.NoError(t, err)

		// Outstanding grew after approval; paying out 500 would leave
		// the deposit below cover.
		f.setOutstanding(t, 600)

		_, err = f.pipe.MarkPaid(ctx, req.ID, "0xabc")
		require.ErrorIs(t, err, ledger.ErrUnsafeWithdrawal)

		agent, err := f.store.Agent(ctx, f.agentID)
		require.NoError(t, err)
		assert.True(t, agent.DepositUSD.Equal(decimal.NewFromInt(1000)))

		got, err := f.store.WithdrawalOf(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalApproved, got.Status)
	})

	t.Run("should reject a double payout", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(100))
		require.NoError(t, err)
		_, err = f.pipe.Approve(ctx, req.ID, "")
		require.NoError(t, err)
		_, err = f.pipe.MarkPaid(ctx, req.ID, "0xabc")
		require.NoError(t, err)

		_, err = f.pipe.MarkPaid(ctx, req.ID, "0xdef")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})
}

func TestRejectWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("should require a reason", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(100))
		require.NoError(t, err)

		_, err = f.pipe.Reject(ctx, req.ID, "")
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("should free the amount for future requests", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(500))
		require.NoError(t, err)

		out, err := f.pipe.Reject(ctx, req.ID, "documents missing")
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalRejected, out.Status)
		assert.Equal(t, "documents missing", out.AdminNotes)

		// A rejected request no longer counts against max withdrawable.
		next, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(600))
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalPending, next.Status)
	})

	t.Run("should refuse to reject an approved request", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(100))
		require.NoError(t, err)
		_, err = f.pipe.Approve(ctx, req.ID, "")
		require.NoError(t, err)

		_, err = f.pipe.Reject(ctx, req.ID, "too late")
		assert.ErrorIs(t, err, ledger.ErrAlreadyTransitioned)
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pending, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(50))
	require.NoError(t, err)
	_ = pending

	rejected, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(60))
	require.NoError(t, err)
	_, err = f.pipe.Reject(ctx, rejected.ID, "invalid account")
	require.NoError(t, err)

	paid, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(200))
	require.NoError(t, err)
	_, err = f.pipe.Approve(ctx, paid.ID, "")
	require.NoError(t, err)
	_, err = f.pipe.MarkPaid(ctx, paid.ID, "0xfeed")
	require.NoError(t, err)

	approved, err := f.pipe.Create(ctx, f.agentID, decimal.NewFromInt(70))
	require.NoError(t, err)
	_, err = f.pipe.Approve(ctx, approved.ID, "")
	require.NoError(t, err)

	st, err := f.pipe.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Approved)
	assert.Equal(t, 1, st.Rejected)
	assert.Equal(t, 1, st.Paid)
	assert.True(t, st.TotalPaidUSD.Equal(decimal.NewFromInt(200)))
}
