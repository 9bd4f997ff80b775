package pgstore

// Applied at startup; every statement is idempotent so a restart against
// an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id               UUID PRIMARY KEY,
	name             TEXT NOT NULL,
	status           TEXT NOT NULL,
	tier             INT NOT NULL DEFAULT 1,
	rating           DOUBLE PRECISION NOT NULL DEFAULT 0,
	deposit_usd      NUMERIC(24,8) NOT NULL DEFAULT 0,
	outstanding_usd  NUMERIC(24,8) NOT NULL DEFAULT 0,
	reserved_usd     NUMERIC(24,8) NOT NULL DEFAULT 0,
	total_minted_usd NUMERIC(24,8) NOT NULL DEFAULT 0,
	total_burned_usd NUMERIC(24,8) NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
	user_id         UUID NOT NULL,
	token_type      TEXT NOT NULL,
	balance         NUMERIC(24,8) NOT NULL DEFAULT 0,
	pending_balance NUMERIC(24,8) NOT NULL DEFAULT 0,
	is_frozen       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, token_type)
);

CREATE TABLE IF NOT EXISTS reservations (
	id         UUID PRIMARY KEY,
	agent_id   UUID NOT NULL REFERENCES agents(id),
	amount_usd NUMERIC(24,8) NOT NULL,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mint_requests (
	id                UUID PRIMARY KEY,
	user_id           UUID NOT NULL,
	agent_id          UUID NOT NULL REFERENCES agents(id),
	reservation_id    UUID NOT NULL REFERENCES reservations(id),
	token_type        TEXT NOT NULL,
	amount            NUMERIC(24,8) NOT NULL,
	amount_usd        NUMERIC(24,8) NOT NULL,
	status            TEXT NOT NULL,
	payment_proof_url TEXT NOT NULL DEFAULT '',
	expires_at        TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mint_requests_status_idx ON mint_requests (status, expires_at);

CREATE TABLE IF NOT EXISTS burn_requests (
	id               UUID PRIMARY KEY,
	user_id          UUID NOT NULL,
	agent_id         UUID NOT NULL REFERENCES agents(id),
	escrow_id        UUID NOT NULL,
	reservation_id   UUID NOT NULL REFERENCES reservations(id),
	token_type       TEXT NOT NULL,
	amount           NUMERIC(24,8) NOT NULL,
	amount_usd       NUMERIC(24,8) NOT NULL,
	status           TEXT NOT NULL,
	disputed         BOOLEAN NOT NULL DEFAULT FALSE,
	payout_proof_url TEXT NOT NULL DEFAULT '',
	expires_at       TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS escrows (
	id              UUID PRIMARY KEY,
	burn_request_id UUID NOT NULL,
	from_user_id    UUID NOT NULL,
	agent_id        UUID NOT NULL REFERENCES agents(id),
	token_type      TEXT NOT NULL,
	amount          NUMERIC(24,8) NOT NULL,
	status          TEXT NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS escrows_burn_request_idx ON escrows (burn_request_id);
CREATE INDEX IF NOT EXISTS escrows_status_idx ON escrows (status, expires_at);

CREATE TABLE IF NOT EXISTS disputes (
	id                UUID PRIMARY KEY,
	escrow_id         UUID NOT NULL REFERENCES escrows(id),
	opened_by         TEXT NOT NULL,
	reason            TEXT NOT NULL,
	status            TEXT NOT NULL,
	escalation        TEXT NOT NULL,
	notes             TEXT[] NOT NULL DEFAULT '{}',
	resolution_action TEXT,
	resolution_notes  TEXT,
	penalty_usd       NUMERIC(24,8),
	created_at        TIMESTAMPTZ NOT NULL,
	resolved_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS disputes_escrow_idx ON disputes (escrow_id, status);

CREATE TABLE IF NOT EXISTS withdrawals (
	id           UUID PRIMARY KEY,
	agent_id     UUID NOT NULL REFERENCES agents(id),
	amount_usd   NUMERIC(24,8) NOT NULL,
	status       TEXT NOT NULL,
	paid_tx_hash TEXT NOT NULL DEFAULT '',
	admin_notes  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS withdrawals_agent_idx ON withdrawals (agent_id, status);

CREATE TABLE IF NOT EXISTS transactions (
	id         UUID PRIMARY KEY,
	type       TEXT NOT NULL,
	user_id    UUID,
	agent_id   UUID,
	token_type TEXT,
	amount     NUMERIC(24,8) NOT NULL DEFAULT 0,
	amount_usd NUMERIC(24,8) NOT NULL DEFAULT 0,
	reference  TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS transactions_agent_idx ON transactions (agent_id, created_at DESC);
`
