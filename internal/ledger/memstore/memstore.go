// Package memstore is the in-memory ledger store used by tests and
// single-node development runs. Per-agent and per-user serialization is
// done with keyed mutexes; the postgres store does the same job with row
// locks.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/ledger"
)

type walletKey struct {
	userID uuid.UUID
	token  ledger.TokenType
}

type keyedLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*sync.Mutex
}

func (k *keyedLocks) get(id uuid.UUID) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = make(map[uuid.UUID]*sync.Mutex)
	}
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	return l
}

// Store implements ledger.Store over process memory.
type Store struct {
	mu           sync.RWMutex
	agents       map[uuid.UUID]*ledger.Agent
	wallets      map[walletKey]*ledger.Wallet
	reservations map[uuid.UUID]*ledger.Reservation
	mints        map[uuid.UUID]*ledger.MintRequest
	burns        map[uuid.UUID]*ledger.BurnRequest
	escrows      map[uuid.UUID]*ledger.Escrow
	escrowByBurn map[uuid.UUID]uuid.UUID
	disputes     map[uuid.UUID]*ledger.Dispute
	withdrawals  map[uuid.UUID]*ledger.WithdrawalRequest
	txns         []*ledger.Transaction

	agentLocks keyedLocks
	userLocks  keyedLocks
}

// New returns an empty store.
func New() *Store {
	return &Store{
		agents:       make(map[uuid.UUID]*ledger.Agent),
		wallets:      make(map[walletKey]*ledger.Wallet),
		reservations: make(map[uuid.UUID]*ledger.Reservation),
		mints:        make(map[uuid.UUID]*ledger.MintRequest),
		burns:        make(map[uuid.UUID]*ledger.BurnRequest),
		escrows:      make(map[uuid.UUID]*ledger.Escrow),
		escrowByBurn: make(map[uuid.UUID]uuid.UUID),
		disputes:     make(map[uuid.UUID]*ledger.Dispute),
		withdrawals:  make(map[uuid.UUID]*ledger.WithdrawalRequest),
	}
}

func copyAgent(a *ledger.Agent) *ledger.Agent { c := *a; return &c }

func copyWallet(w *ledger.Wallet) *ledger.Wallet { c := *w; return &c }

func copyDispute(d *ledger.Dispute) *ledger.Dispute {
	c := *d
	c.Notes = append([]string(nil), d.Notes...)
	if d.Resolution != nil {
		r := *d.Resolution
		c.Resolution = &r
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// CreateAgent registers a new agent.
func (s *Store) CreateAgent(_ context.Context, a *ledger.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return ledger.ErrInvalidArgument
	}
	s.agents[a.ID] = copyAgent(a)
	return nil
}

// Agent returns a copy of the agent record.
func (s *Store) Agent(_ context.Context, id uuid.UUID) (*ledger.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyAgent(a), nil
}

// Agents lists agents ordered by creation time.
func (s *Store) Agents(_ context.Context, p ledger.Page) ([]*ledger.Agent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*ledger.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		all = append(all, copyAgent(a))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return window(all, p)
}

// CreateWallet registers a wallet; duplicate pairs are rejected.
func (s *Store) CreateWallet(_ context.Context, w *ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := walletKey{w.UserID, w.Token}
	if _, ok := s.wallets[k]; ok {
		return ledger.ErrInvalidArgument
	}
	s.wallets[k] = copyWallet(w)
	return nil
}

// WalletOf returns a copy of the user's wallet for one token.
func (s *Store) WalletOf(_ context.Context, userID uuid.UUID, token ledger.TokenType) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[walletKey{userID, token}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyWallet(w), nil
}

// ReservationOf returns a copy of a capacity reservation.
func (s *Store) ReservationOf(_ context.Context, id uuid.UUID) (*ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *r
	return &c, nil
}

// MintOf returns a copy of a mint request.
func (s *Store) MintOf(_ context.Context, id uuid.UUID) (*ledger.MintRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mints[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *m
	return &c, nil
}

// MintsByStatus lists mint requests in one status, oldest first.
func (s *Store) MintsByStatus(_ context.Context, status ledger.RequestStatus, p ledger.Page) ([]*ledger.MintRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*ledger.MintRequest
	for _, m := range s.mints {
		if m.Status == status {
			c := *m
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return window(all, p)
}

// DueMints returns ids of non-terminal mint requests past their expiry.
func (s *Store) DueMints(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []uuid.UUID
	for id, m := range s.mints {
		if !m.Status.Terminal() && now.After(m.ExpiresAt) {
			due = append(due, id)
		}
	}
	return due, nil
}

// BurnOf returns a copy of a burn request.
func (s *Store) BurnOf(_ context.Context, id uuid.UUID) (*ledger.BurnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.burns[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *b
	return &c, nil
}

// EscrowOf returns a copy of an escrow.
func (s *Store) EscrowOf(_ context.Context, id uuid.UUID) (*ledger.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *e
	return &c, nil
}

// Escrows lists all escrows, oldest first.
func (s *Store) Escrows(_ context.Context, p ledger.Page) ([]*ledger.Escrow, int, error) {
	return s.escrowList(func(*ledger.Escrow) bool { return true }, p)
}

// EscrowsByStatus lists escrows in one status, oldest first.
func (s *Store) EscrowsByStatus(_ context.Context, status ledger.EscrowStatus, p ledger.Page) ([]*ledger.Escrow, int, error) {
	return s.escrowList(func(e *ledger.Escrow) bool { return e.Status == status }, p)
}

func (s *Store) escrowList(keep func(*ledger.Escrow) bool, p ledger.Page) ([]*ledger.Escrow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*ledger.Escrow
	for _, e := range s.escrows {
		if keep(e) {
			c := *e
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return window(all, p)
}

// DueEscrows returns ids of locked escrows past their expiry.
func (s *Store) DueEscrows(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []uuid.UUID
	for id, e := range s.escrows {
		if e.Status == ledger.EscrowLocked && now.After(e.ExpiresAt) {
			due = append(due, id)
		}
	}
	return due, nil
}

// DisputeOf returns a copy of a dispute.
func (s *Store) DisputeOf(_ context.Context, id uuid.UUID) (*ledger.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyDispute(d), nil
}

// Disputes lists all disputes, oldest first.
func (s *Store) Disputes(_ context.Context, p ledger.Page) ([]*ledger.Dispute, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*ledger.Dispute, 0, len(s.disputes))
	for _, d := range s.disputes {
		all = append(all, copyDispute(d))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return window(all, p)
}

// OpenDisputeForEscrow returns the open dispute on an escrow, if any.
func (s *Store) OpenDisputeForEscrow(_ context.Context, escrowID uuid.UUID) (*ledger.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.EscrowID == escrowID && d.Status == ledger.DisputeOpen {
			return copyDispute(d), nil
		}
	}
	return nil, ledger.ErrNotFound
}

// WithdrawalOf returns a copy of a withdrawal request.
func (s *Store) WithdrawalOf(_ context.Context, id uuid.UUID) (*ledger.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *w
	return &c, nil
}

// Withdrawals lists withdrawal requests, optionally filtered by status.
func (s *Store) Withdrawals(_ context.Context, status ledger.WithdrawalStatus, p ledger.Page) ([]*ledger.WithdrawalRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*ledger.WithdrawalRequest
	for _, w := range s.withdrawals {
		if status == "" || w.Status == status {
			c := *w
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return window(all, p)
}

// Transactions lists the audit trail newest first.
func (s *Store) Transactions(_ context.Context, f ledger.TxFilter, p ledger.Page) ([]*ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*ledger.Transaction
	for _, t := range s.txns {
		if f.UserID != uuid.Nil && t.UserID != f.UserID {
			continue
		}
		if f.AgentID != uuid.Nil && t.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		c := *t
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return window(all, p)
}

// Mutate loads the scoped records under the agent and user locks, runs
// fn over private copies, and commits edits, staged creates, and
// recorded transactions together, or nothing at all.
func (s *Store) Mutate(_ context.Context, sc ledger.Scope, fn func(*ledger.Mutation) error) error {
	if sc.AgentID != uuid.Nil {
		l := s.agentLocks.get(sc.AgentID)
		l.Lock()
		defer l.Unlock()
	}
	if sc.UserID != uuid.Nil {
		l := s.userLocks.get(sc.UserID)
		l.Lock()
		defer l.Unlock()
	}

	m := &ledger.Mutation{}
	if err := s.load(sc, m); err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return s.commit(m)
}

func (s *Store) load(sc ledger.Scope, m *ledger.Mutation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sc.AgentID != uuid.Nil {
		a, ok := s.agents[sc.AgentID]
		if !ok {
			return ledger.ErrNotFound
		}
		m.Agent = copyAgent(a)
	}
	if sc.UserID != uuid.Nil {
		k := walletKey{sc.UserID, sc.Token}
		w, ok := s.wallets[k]
		if !ok {
			if !sc.CreateWalletIfMissing {
				return ledger.ErrNotFound
			}
			now := time.Now().UTC()
			w = &ledger.Wallet{
				UserID:         sc.UserID,
				Token:          sc.Token,
				Balance:        decimal.Zero,
				PendingBalance: decimal.Zero,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
		}
		m.Wallet = copyWallet(w)
	}
	if sc.ReservationID != uuid.Nil {
		r, ok := s.reservations[sc.ReservationID]
		if !ok {
			return ledger.ErrNotFound
		}
		c := *r
		m.Reservation = &c
	}
	if sc.MintID != uuid.Nil {
		r, ok := s.mints[sc.MintID]
		if !ok {
			return ledger.ErrNotFound
		}
		c := *r
		m.Mint = &c
	}
	if sc.BurnID != uuid.Nil {
		r, ok := s.burns[sc.BurnID]
		if !ok {
			return ledger.ErrNotFound
		}
		c := *r
		m.Burn = &c
	}
	if sc.EscrowID != uuid.Nil {
		r, ok := s.escrows[sc.EscrowID]
		if !ok {
			return ledger.ErrNotFound
		}
		c := *r
		m.Escrow = &c
	}
	if sc.DisputeID != uuid.Nil {
		r, ok := s.disputes[sc.DisputeID]
		if !ok {
			return ledger.ErrNotFound
		}
		m.Dispute = copyDispute(r)
	}
	if sc.WithdrawalID != uuid.Nil {
		r, ok := s.withdrawals[sc.WithdrawalID]
		if !ok {
			return ledger.ErrNotFound
		}
		c := *r
		m.Withdrawal = &c
	}
	if sc.SumPendingWithdrawals {
		sum := decimal.Zero
		for _, w := range s.withdrawals {
			if w.AgentID != sc.AgentID {
				continue
			}
			// Exclude the row being mutated so solvency checks
			// count only the *other* open withdrawals.
			if sc.WithdrawalID != uuid.Nil && w.ID == sc.WithdrawalID {
				continue
			}
			if w.Status == ledger.WithdrawalPending || w.Status == ledger.WithdrawalApproved {
				sum = sum.Add(w.AmountUSD)
			}
		}
		m.PendingWithdrawalsUSD = sum
	}
	return nil
}

func (s *Store) commit(m *ledger.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate staged creates before touching anything.
	for _, rec := range m.Creates() {
		switch r := rec.(type) {
		case *ledger.Escrow:
			if _, ok := s.escrowByBurn[r.BurnRequestID]; ok {
				return ledger.ErrEscrowAlreadyOpen
			}
		case *ledger.BurnRequest:
			if _, ok := s.burns[r.ID]; ok {
				return ledger.ErrInvalidArgument
			}
		}
	}

	if m.Agent != nil {
		m.Agent.UpdatedAt = time.Now().UTC()
		s.agents[m.Agent.ID] = copyAgent(m.Agent)
	}
	if m.Wallet != nil {
		m.Wallet.UpdatedAt = time.Now().UTC()
		s.wallets[walletKey{m.Wallet.UserID, m.Wallet.Token}] = copyWallet(m.Wallet)
	}
	if m.Reservation != nil {
		c := *m.Reservation
		c.UpdatedAt = time.Now().UTC()
		s.reservations[c.ID] = &c
	}
	if m.Mint != nil {
		c := *m.Mint
		c.UpdatedAt = time.Now().UTC()
		s.mints[c.ID] = &c
	}
	if m.Burn != nil {
		c := *m.Burn
		c.UpdatedAt = time.Now().UTC()
		s.burns[c.ID] = &c
	}
	if m.Escrow != nil {
		c := *m.Escrow
		c.UpdatedAt = time.Now().UTC()
		s.escrows[c.ID] = &c
	}
	if m.Dispute != nil {
		s.disputes[m.Dispute.ID] = copyDispute(m.Dispute)
	}
	if m.Withdrawal != nil {
		c := *m.Withdrawal
		c.UpdatedAt = time.Now().UTC()
		s.withdrawals[c.ID] = &c
	}

	for _, rec := range m.Creates() {
		switch r := rec.(type) {
		case *ledger.Reservation:
			c := *r
			s.reservations[c.ID] = &c
		case *ledger.MintRequest:
			c := *r
			s.mints[c.ID] = &c
		case *ledger.BurnRequest:
			c := *r
			s.burns[c.ID] = &c
		case *ledger.Escrow:
			c := *r
			s.escrows[c.ID] = &c
			s.escrowByBurn[c.BurnRequestID] = c.ID
		case *ledger.Dispute:
			s.disputes[r.ID] = copyDispute(r)
		case *ledger.WithdrawalRequest:
			c := *r
			s.withdrawals[c.ID] = &c
		}
	}

	for _, t := range m.Transactions() {
		c := *t
		s.txns = append(s.txns, &c)
	}
	return nil
}

func window[T any](all []T, p ledger.Page) ([]T, int, error) {
	p = p.Clamp()
	total := len(all)
	if p.Offset >= total {
		return nil, total, nil
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return all[p.Offset:end], total, nil
}
