// Package pgstore is the Postgres ledger store. All invariants that the
// services rely on (per-agent serialization, atomic multi-record
// commits, one escrow per burn) map onto row locks, transactions, and a
// unique index here.
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

// Store implements ledger.Store over database/sql with lib/pq.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection; the schema must already exist.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// Agents.

func (s *Store) CreateAgent(ctx context.Context, a *ledger.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, status, tier, rating, deposit_usd, outstanding_usd, reserved_usd,
		                     total_minted_usd, total_burned_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Name, a.Status, a.Tier, a.Rating, a.DepositUSD, a.OutstandingUSD, a.ReservedUSD,
		a.TotalMintedUSD, a.TotalBurnedUSD, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

const agentCols = `id, name, status, tier, rating, deposit_usd, outstanding_usd, reserved_usd,
	total_minted_usd, total_burned_usd, created_at, updated_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*ledger.Agent, error) {
	var a ledger.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.Tier, &a.Rating, &a.DepositUSD, &a.OutstandingUSD,
		&a.ReservedUSD, &a.TotalMintedUSD, &a.TotalBurnedUSD, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}

func (s *Store) Agent(ctx context.Context, id uuid.UUID) (*ledger.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
}

func (s *Store) Agents(ctx context.Context, p ledger.Page) ([]*ledger.Agent, int, error) {
	p = p.Clamp()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentCols+` FROM agents ORDER BY created_at LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Wallets.

func (s *Store) CreateWallet(ctx context.Context, w *ledger.Wallet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (user_id, token_type, balance, pending_balance, is_frozen, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.UserID, w.Token, w.Balance, w.PendingBalance, w.Frozen, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

const walletCols = `user_id, token_type, balance, pending_balance, is_frozen, created_at, updated_at`

func scanWallet(row interface{ Scan(...interface{}) error }) (*ledger.Wallet, error) {
	var w ledger.Wallet
	err := row.Scan(&w.UserID, &w.Token, &w.Balance, &w.PendingBalance, &w.Frozen, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return &w, nil
}

func (s *Store) WalletOf(ctx context.Context, userID uuid.UUID, token ledger.TokenType) (*ledger.Wallet, error) {
	return scanWallet(s.db.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE user_id = $1 AND token_type = $2`, userID, token))
}

// Reservations.

const reservationCols = `id, agent_id, amount_usd, kind, state, created_at, updated_at`

func scanReservation(row interface{ Scan(...interface{}) error }) (*ledger.Reservation, error) {
	var r ledger.Reservation
	err := row.Scan(&r.ID, &r.AgentID, &r.AmountUSD, &r.Kind, &r.State, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	return &r, nil
}

func (s *Store) ReservationOf(ctx context.Context, id uuid.UUID) (*ledger.Reservation, error) {
	return scanReservation(s.db.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
}

// Mint requests.

const mintCols = `id, user_id, agent_id, reservation_id, token_type, amount, amount_usd, status,
	payment_proof_url, expires_at, created_at, updated_at`

func scanMint(row interface{ Scan(...interface{}) error }) (*ledger.MintRequest, error) {
	var m ledger.MintRequest
	err := row.Scan(&m.ID, &m.UserID, &m.AgentID, &m.ReservationID, &m.Token, &m.Amount, &m.AmountUSD,
		&m.Status, &m.PaymentProofURL, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mint request: %w", err)
	}
	return &m, nil
}

func (s *Store) MintOf(ctx context.Context, id uuid.UUID) (*ledger.MintRequest, error) {
	return scanMint(s.db.QueryRowContext(ctx,
		`SELECT `+mintCols+` FROM mint_requests WHERE id = $1`, id))
}

func (s *Store) MintsByStatus(ctx context.Context, status ledger.RequestStatus, p ledger.Page) ([]*ledger.MintRequest, int, error) {
	p = p.Clamp()
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mint_requests WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count mint requests: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mintCols+` FROM mint_requests WHERE status = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		status, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list mint requests: %w", err)
	}
	defer rows.Close()

	var out []*ledger.MintRequest
	for rows.Next() {
		m, err := scanMint(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (s *Store) DueMints(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM mint_requests
		 WHERE status IN ('pending', 'proof_submitted') AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list due mints: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Burn requests and escrows.

const burnCols = `id, user_id, agent_id, escrow_id, reservation_id, token_type, amount, amount_usd,
	status, disputed, payout_proof_url, expires_at, created_at, updated_at`

func scanBurn(row interface{ Scan(...interface{}) error }) (*ledger.BurnRequest, error) {
	var b ledger.BurnRequest
	err := row.Scan(&b.ID, &b.UserID, &b.AgentID, &b.EscrowID, &b.ReservationID, &b.Token, &b.Amount,
		&b.AmountUSD, &b.Status, &b.Disputed, &b.PayoutProofURL, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan burn request: %w", err)
	}
	return &b, nil
}

func (s *Store) BurnOf(ctx context.Context, id uuid.UUID) (*ledger.BurnRequest, error) {
	return scanBurn(s.db.QueryRowContext(ctx,
		`SELECT `+burnCols+` FROM burn_requests WHERE id = $1`, id))
}

const escrowCols = `id, burn_request_id, from_user_id, agent_id, token_type, amount, status,
	expires_at, created_at, updated_at`

func scanEscrow(row interface{ Scan(...interface{}) error }) (*ledger.Escrow, error) {
	var e ledger.Escrow
	err := row.Scan(&e.ID, &e.BurnRequestID, &e.FromUserID, &e.AgentID, &e.Token, &e.Amount,
		&e.Status, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}
	return &e, nil
}

func (s *Store) EscrowOf(ctx context.Context, id uuid.UUID) (*ledger.Escrow, error) {
	return scanEscrow(s.db.QueryRowContext(ctx,
		`SELECT `+escrowCols+` FROM escrows WHERE id = $1`, id))
}

func (s *Store) Escrows(ctx context.Context, p ledger.Page) ([]*ledger.Escrow, int, error) {
	return s.escrowList(ctx, ``, nil, p)
}

func (s *Store) EscrowsByStatus(ctx context.Context, status ledger.EscrowStatus, p ledger.Page) ([]*ledger.Escrow, int, error) {
	return s.escrowList(ctx, ` WHERE status = $3`, status, p)
}

func (s *Store) escrowList(ctx context.Context, where string, arg interface{}, p ledger.Page) ([]*ledger.Escrow, int, error) {
	p = p.Clamp()
	countQ := `SELECT COUNT(*) FROM escrows`
	listQ := `SELECT ` + escrowCols + ` FROM escrows` + where + ` ORDER BY created_at LIMIT $1 OFFSET $2`
	countArgs := []interface{}{}
	listArgs := []interface{}{p.Limit, p.Offset}
	if where != `` {
		countQ += ` WHERE status = $1`
		countArgs = append(countArgs, arg)
		listArgs = append(listArgs, arg)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count escrows: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, listQ, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *Store) DueEscrows(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM escrows WHERE status = 'locked' AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list due escrows: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Disputes.

const disputeCols = `id, escrow_id, opened_by, reason, status, escalation, notes,
	resolution_action, resolution_notes, penalty_usd, created_at, resolved_at`

func scanDispute(row interface{ Scan(...interface{}) error }) (*ledger.Dispute, error) {
	var (
		d       ledger.Dispute
		notes   pq.StringArray
		action  sql.NullString
		resNote sql.NullString
		penalty decimal.NullDecimal
		resAt   sql.NullTime
	)
	err := row.Scan(&d.ID, &d.EscrowID, &d.OpenedBy, &d.Reason, &d.Status, &d.Escalation, &notes,
		&action, &resNote, &penalty, &d.CreatedAt, &resAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.Notes = notes
	if action.Valid {
		d.Resolution = &ledger.Resolution{
			Action:     ledger.ResolutionAction(action.String),
			Notes:      resNote.String,
			PenaltyUSD: penalty.Decimal,
		}
	}
	if resAt.Valid {
		t := resAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func (s *Store) DisputeOf(ctx context.Context, id uuid.UUID) (*ledger.Dispute, error) {
	return scanDispute(s.db.QueryRowContext(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE id = $1`, id))
}

func (s *Store) Disputes(ctx context.Context, p ledger.Page) ([]*ledger.Dispute, int, error) {
	p = p.Clamp()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count disputes: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+disputeCols+` FROM disputes ORDER BY created_at LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (s *Store) OpenDisputeForEscrow(ctx context.Context, escrowID uuid.UUID) (*ledger.Dispute, error) {
	return scanDispute(s.db.QueryRowContext(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE escrow_id = $1 AND status = 'open'
		 ORDER BY created_at DESC LIMIT 1`, escrowID))
}

// Withdrawals.

const withdrawalCols = `id, agent_id, amount_usd, status, paid_tx_hash, admin_notes, created_at, updated_at`

func scanWithdrawal(row interface{ Scan(...interface{}) error }) (*ledger.WithdrawalRequest, error) {
	var w ledger.WithdrawalRequest
	err := row.Scan(&w.ID, &w.AgentID, &w.AmountUSD, &w.Status, &w.PaidTxHash, &w.AdminNotes,
		&w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}
	return &w, nil
}

func (s *Store) WithdrawalOf(ctx context.Context, id uuid.UUID) (*ledger.WithdrawalRequest, error) {
	return scanWithdrawal(s.db.QueryRowContext(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals WHERE id = $1`, id))
}

func (s *Store) Withdrawals(ctx context.Context, status ledger.WithdrawalStatus, p ledger.Page) ([]*ledger.WithdrawalRequest, int, error) {
	p = p.Clamp()
	countQ := `SELECT COUNT(*) FROM withdrawals`
	listQ := `SELECT ` + withdrawalCols + ` FROM withdrawals ORDER BY created_at LIMIT $1 OFFSET $2`
	countArgs := []interface{}{}
	listArgs := []interface{}{p.Limit, p.Offset}
	if status != "" {
		countQ += ` WHERE status = $1`
		listQ = `SELECT ` + withdrawalCols + ` FROM withdrawals WHERE status = $3 ORDER BY created_at LIMIT $1 OFFSET $2`
		countArgs = append(countArgs, status)
		listArgs = append(listArgs, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count withdrawals: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, listQ, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*ledger.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, rows.Err()
}

// Transactions.

func (s *Store) Transactions(ctx context.Context, f ledger.TxFilter, p ledger.Page) ([]*ledger.Transaction, int, error) {
	p = p.Clamp()
	where := ` WHERE 1=1`
	args := []interface{}{}
	if f.UserID != uuid.Nil {
		args = append(args, f.UserID)
		where += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if f.AgentID != uuid.Nil {
		args = append(args, f.AgentID)
		where += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where += fmt.Sprintf(` AND type = $%d`, len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	args = append(args, p.Limit, p.Offset)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, type, user_id, agent_id, token_type, amount, amount_usd, reference, note, created_at
		 FROM transactions%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Transaction
	for rows.Next() {
		var (
			t       ledger.Transaction
			userID  uuid.NullUUID
			agentID uuid.NullUUID
			token   sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Type, &userID, &agentID, &token, &t.Amount, &t.AmountUSD,
			&t.Reference, &t.Note, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		t.UserID = userID.UUID
		t.AgentID = agentID.UUID
		t.Token = ledger.TokenType(token.String)
		out = append(out, &t)
	}
	return out, total, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
