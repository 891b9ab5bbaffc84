package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the full DDL, applied idempotently at startup. All monetary
// columns are NUMERIC; money never touches a float.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id           TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    initial_cash NUMERIC NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS instruments (
    symbol      TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    exchange    TEXT NOT NULL,
    tradeable   BOOLEAN NOT NULL,
    restriction TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_accounts (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    type       TEXT NOT NULL,
    name       TEXT NOT NULL,
    balance    NUMERIC NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (account_id, name)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id                TEXT PRIMARY KEY,
    ledger_account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
    account_id        TEXT NOT NULL REFERENCES accounts(id),
    transaction_id    TEXT NOT NULL,
    type              TEXT NOT NULL,
    amount            NUMERIC NOT NULL CHECK (amount > 0),
    balance_after     NUMERIC NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    reference_type    TEXT NOT NULL DEFAULT '',
    reference_id      TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_txn ON ledger_entries(transaction_id);

CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL REFERENCES accounts(id),
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    type            TEXT NOT NULL,
    time_in_force   TEXT NOT NULL,
    quantity        NUMERIC NOT NULL,
    filled_quantity NUMERIC NOT NULL DEFAULT 0,
    limit_price     NUMERIC,
    stop_price      NUMERIC,
    average_price   NUMERIC NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    stop_triggered  BOOLEAN NOT NULL DEFAULT FALSE,
    idempotency_key TEXT NOT NULL,
    version         BIGINT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (account_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS order_events (
    id              TEXT PRIMARY KEY,
    order_id        TEXT NOT NULL REFERENCES orders(id),
    event_type      TEXT NOT NULL,
    previous_status TEXT NOT NULL,
    new_status      TEXT NOT NULL,
    metadata        JSONB,
    timestamp       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);

CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    order_id    TEXT NOT NULL REFERENCES orders(id),
    account_id  TEXT NOT NULL REFERENCES accounts(id),
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    quantity    NUMERIC NOT NULL,
    price       NUMERIC NOT NULL,
    commission  NUMERIC NOT NULL DEFAULT 0,
    executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_account ON executions(account_id, symbol);

CREATE TABLE IF NOT EXISTS positions (
    account_id   TEXT NOT NULL REFERENCES accounts(id),
    symbol       TEXT NOT NULL,
    quantity     NUMERIC NOT NULL,
    average_cost NUMERIC NOT NULL,
    realized_pnl NUMERIC NOT NULL DEFAULT 0,
    updated_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (account_id, symbol)
);
`

// RunMigrations applies the schema. Safe to run on every startup.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
