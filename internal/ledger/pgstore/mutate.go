package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/ledger"
)

// Mutate runs fn inside one transaction with every scoped row locked
// FOR UPDATE. The agent row is always locked before the wallet row;
// concurrent mutations over the same agent therefore queue on that lock
// and never deadlock on lock order.
func (s *Store) Mutate(ctx context.Context, scope ledger.Scope, fn func(*ledger.Mutation) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	m := &ledger.Mutation{}
	if err := s.load(ctx, tx, scope, m); err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	if err := s.flush(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, tx *sql.Tx, scope ledger.Scope, m *ledger.Mutation) error {
	var err error

	if scope.AgentID != uuid.Nil {
		m.Agent, err = scanAgent(tx.QueryRowContext(ctx,
			`SELECT `+agentCols+` FROM agents WHERE id = $1 FOR UPDATE`, scope.AgentID))
		if err != nil {
			return err
		}
	}

	if scope.UserID != uuid.Nil && scope.Token != "" {
		if scope.CreateWalletIfMissing {
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO wallets (user_id, token_type, balance, pending_balance, is_frozen, created_at, updated_at)
				 VALUES ($1, $2, 0, 0, FALSE, $3, $3)
				 ON CONFLICT (user_id, token_type) DO NOTHING`,
				scope.UserID, scope.Token, now); err != nil {
				return fmt.Errorf("ensure wallet: %w", err)
			}
		}
		m.Wallet, err = scanWallet(tx.QueryRowContext(ctx,
			`SELECT `+walletCols+` FROM wallets WHERE user_id = $1 AND token_type = $2 FOR UPDATE`,
			scope.UserID, scope.Token))
		if err != nil {
			return err
		}
	}

	if scope.ReservationID != uuid.Nil {
		m.Reservation, err = scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationCols+` FROM reservations WHERE id = $1 FOR UPDATE`, scope.ReservationID))
		if err != nil {
			return err
		}
	}

	if scope.MintID != uuid.Nil {
		m.Mint, err = scanMint(tx.QueryRowContext(ctx,
			`SELECT `+mintCols+` FROM mint_requests WHERE id = $1 FOR UPDATE`, scope.MintID))
		if err != nil {
			return err
		}
	}

	if scope.BurnID != uuid.Nil {
		m.Burn, err = scanBurn(tx.QueryRowContext(ctx,
			`SELECT `+burnCols+` FROM burn_requests WHERE id = $1 FOR UPDATE`, scope.BurnID))
		if err != nil {
			return err
		}
	}

	if scope.EscrowID != uuid.Nil {
		m.Escrow, err = scanEscrow(tx.QueryRowContext(ctx,
			`SELECT `+escrowCols+` FROM escrows WHERE id = $1 FOR UPDATE`, scope.EscrowID))
		if err != nil {
			return err
		}
	}

	if scope.DisputeID != uuid.Nil {
		m.Dispute, err = scanDispute(tx.QueryRowContext(ctx,
			`SELECT `+disputeCols+` FROM disputes WHERE id = $1 FOR UPDATE`, scope.DisputeID))
		if err != nil {
			return err
		}
	}

	if scope.WithdrawalID != uuid.Nil {
		m.Withdrawal, err = scanWithdrawal(tx.QueryRowContext(ctx,
			`SELECT `+withdrawalCols+` FROM withdrawals WHERE id = $1 FOR UPDATE`, scope.WithdrawalID))
		if err != nil {
			return err
		}
	}

	if scope.SumPendingWithdrawals {
		var sum decimal.Decimal
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount_usd), 0) FROM withdrawals
			 WHERE agent_id = $1 AND status IN ('pending', 'approved') AND id <> $2`,
			scope.AgentID, scope.WithdrawalID).Scan(&sum)
		if err != nil {
			return fmt.Errorf("sum pending withdrawals: %w", err)
		}
		m.PendingWithdrawalsUSD = sum
	}

	return nil
}

func (s *Store) flush(ctx context.Context, tx *sql.Tx, m *ledger.Mutation) error {
	now := time.Now().UTC()

	if m.Agent != nil {
		m.Agent.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET name = $2, status = $3, tier = $4, rating = $5, deposit_usd = $6,
			 outstanding_usd = $7, reserved_usd = $8, total_minted_usd = $9, total_burned_usd = $10,
			 updated_at = $11 WHERE id = $1`,
			m.Agent.ID, m.Agent.Name, m.Agent.Status, m.Agent.Tier, m.Agent.Rating, m.Agent.DepositUSD,
			m.Agent.OutstandingUSD, m.Agent.ReservedUSD, m.Agent.TotalMintedUSD, m.Agent.TotalBurnedUSD,
			now); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
	}

	if m.Wallet != nil {
		m.Wallet.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE wallets SET balance = $3, pending_balance = $4, is_frozen = $5, updated_at = $6
			 WHERE user_id = $1 AND token_type = $2`,
			m.Wallet.UserID, m.Wallet.Token, m.Wallet.Balance, m.Wallet.PendingBalance,
			m.Wallet.Frozen, now); err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
	}

	if m.Reservation != nil {
		m.Reservation.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET state = $2, updated_at = $3 WHERE id = $1`,
			m.Reservation.ID, m.Reservation.State, now); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
	}

	if m.Mint != nil {
		m.Mint.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE mint_requests SET status = $2, payment_proof_url = $3, updated_at = $4 WHERE id = $1`,
			m.Mint.ID, m.Mint.Status, m.Mint.PaymentProofURL, now); err != nil {
			return fmt.Errorf("update mint request: %w", err)
		}
	}

	if m.Burn != nil {
		m.Burn.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE burn_requests SET status = $2, disputed = $3, payout_proof_url = $4, updated_at = $5
			 WHERE id = $1`,
			m.Burn.ID, m.Burn.Status, m.Burn.Disputed, m.Burn.PayoutProofURL, now); err != nil {
			return fmt.Errorf("update burn request: %w", err)
		}
	}

	if m.Escrow != nil {
		m.Escrow.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE escrows SET status = $2, updated_at = $3 WHERE id = $1`,
			m.Escrow.ID, m.Escrow.Status, now); err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}
	}

	if m.Dispute != nil {
		if err := upsertDisputeState(ctx, tx, m.Dispute); err != nil {
			return err
		}
	}

	if m.Withdrawal != nil {
		m.Withdrawal.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE withdrawals SET status = $2, paid_tx_hash = $3, admin_notes = $4, updated_at = $5
			 WHERE id = $1`,
			m.Withdrawal.ID, m.Withdrawal.Status, m.Withdrawal.PaidTxHash, m.Withdrawal.AdminNotes,
			now); err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
	}

	for _, create := range m.Creates() {
		if err := s.insert(ctx, tx, create, now); err != nil {
			return err
		}
	}

	for _, t := range m.Transactions() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (id, type, user_id, agent_id, token_type, amount, amount_usd,
			 reference, note, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.Type, nullUUID(t.UserID), nullUUID(t.AgentID), string(t.Token), t.Amount,
			t.AmountUSD, t.Reference, t.Note, t.CreatedAt); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	return nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, rec interface{}, now time.Time) error {
	switch r := rec.(type) {
	case *ledger.Reservation:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (id, agent_id, amount_usd, kind, state, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.AgentID, r.AmountUSD, r.Kind, r.State, r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

	case *ledger.MintRequest:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mint_requests (id, user_id, agent_id, reservation_id, token_type, amount,
			 amount_usd, status, payment_proof_url, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			r.ID, r.UserID, r.AgentID, r.ReservationID, r.Token, r.Amount, r.AmountUSD, r.Status,
			r.PaymentProofURL, r.ExpiresAt, r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert mint request: %w", err)
		}

	case *ledger.BurnRequest:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO burn_requests (id, user_id, agent_id, escrow_id, reservation_id, token_type,
			 amount, amount_usd, status, disputed, payout_proof_url, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			r.ID, r.UserID, r.AgentID, r.EscrowID, r.ReservationID, r.Token, r.Amount, r.AmountUSD,
			r.Status, r.Disputed, r.PayoutProofURL, r.ExpiresAt, r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert burn request: %w", err)
		}

	case *ledger.Escrow:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO escrows (id, burn_request_id, from_user_id, agent_id, token_type, amount,
			 status, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.BurnRequestID, r.FromUserID, r.AgentID, r.Token, r.Amount, r.Status,
			r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ledger.ErrEscrowAlreadyOpen
		}
		if err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}

	case *ledger.Dispute:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if err := upsertDisputeState(ctx, tx, r); err != nil {
			return err
		}

	case *ledger.WithdrawalRequest:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO withdrawals (id, agent_id, amount_usd, status, paid_tx_hash, admin_notes,
			 created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.AgentID, r.AmountUSD, r.Status, r.PaidTxHash, r.AdminNotes,
			r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}

	default:
		return fmt.Errorf("unknown staged record %T", rec)
	}
	return nil
}

func upsertDisputeState(ctx context.Context, tx *sql.Tx, d *ledger.Dispute) error {
	var (
		action  sql.NullString
		resNote sql.NullString
		penalty decimal.NullDecimal
		resAt   sql.NullTime
	)
	if d.Resolution != nil {
		action = sql.NullString{String: string(d.Resolution.Action), Valid: true}
		resNote = sql.NullString{String: d.Resolution.Notes, Valid: true}
		penalty = decimal.NullDecimal{Decimal: d.Resolution.PenaltyUSD, Valid: true}
	}
	if d.ResolvedAt != nil {
		resAt = sql.NullTime{Time: *d.ResolvedAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO disputes (id, escrow_id, opened_by, reason, status, escalation, notes,
		 resolution_action, resolution_notes, penalty_usd, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   escalation = EXCLUDED.escalation,
		   notes = EXCLUDED.notes,
		   resolution_action = EXCLUDED.resolution_action,
		   resolution_notes = EXCLUDED.resolution_notes,
		   penalty_usd = EXCLUDED.penalty_usd,
		   resolved_at = EXCLUDED.resolved_at`,
		d.ID, d.EscrowID, d.OpenedBy, d.Reason, d.Status, d.Escalation, pq.Array(d.Notes),
		action, resNote, penalty, d.CreatedAt, resAt)
	if err != nil {
		return fmt.Errorf("write dispute: %w", err)
	}
	return nil
}
