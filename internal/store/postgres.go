package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, type, initial_cash, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.ID, a.Type, a.InitialCash.String(), a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var cash string

	err := s.pool.QueryRow(ctx,
		`SELECT id, type, initial_cash::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Type, &cash, &a.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}

	a.InitialCash, _ = decimal.NewFromString(cash)
	return &a, nil
}

// --- Instruments ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (symbol, name, exchange, tradeable, restriction, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		in.Symbol, in.Name, in.Exchange, in.Tradeable, in.Restriction, in.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	var in model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT symbol, name, exchange, tradeable, restriction, created_at
		 FROM instruments WHERE symbol = $1`, symbol).
		Scan(&in.Symbol, &in.Name, &in.Exchange, &in.Tradeable, &in.Restriction, &in.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &in, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, name, exchange, tradeable, restriction, created_at
		 FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.Symbol, &in.Name, &in.Exchange, &in.Tradeable, &in.Restriction, &in.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Chart of ledger accounts ---

func (s *PostgresStore) CreateLedgerAccount(ctx context.Context, la *model.LedgerAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_accounts (id, account_id, type, name, balance, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		la.ID, la.AccountID, la.Type, la.Name, la.Balance.String(), la.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetLedgerAccount(ctx context.Context, accountID, name string) (*model.LedgerAccount, error) {
	var la model.LedgerAccount
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, type, name, balance::TEXT, created_at
		 FROM ledger_accounts WHERE account_id = $1 AND name = $2`, accountID, name).
		Scan(&la.ID, &la.AccountID, &la.Type, &la.Name, &balance, &la.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}

	la.Balance, _ = decimal.NewFromString(balance)
	return &la, nil
}

func (s *PostgresStore) ListLedgerAccounts(ctx context.Context, accountID string) ([]model.LedgerAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, name, balance::TEXT, created_at
		 FROM ledger_accounts WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerAccount
	for rows.Next() {
		var la model.LedgerAccount
		var balance string
		if err := rows.Scan(&la.ID, &la.AccountID, &la.Type, &la.Name, &balance, &la.CreatedAt); err != nil {
			return nil, err
		}
		la.Balance, _ = decimal.NewFromString(balance)
		out = append(out, la)
	}
	return out, rows.Err()
}

// --- Ledger entries ---

func (s *PostgresStore) AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertEntriesTx(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertEntriesTx(ctx context.Context, tx pgx.Tx, entries []model.LedgerEntry) error {
	for i := range entries {
		e := &entries[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries
			     (id, ledger_account_id, account_id, transaction_id, type, amount,
			      balance_after, description, reference_type, reference_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
			e.ID, e.LedgerAccountID, e.AccountID, e.TransactionID, e.Type,
			e.Amount.String(), e.BalanceAfter.String(),
			e.Description, e.ReferenceType, e.ReferenceID, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE ledger_accounts SET balance = $2::NUMERIC WHERE id = $1`,
			e.LedgerAccountID, e.BalanceAfter.String(),
		)
		if err != nil {
			return fmt.Errorf("advance ledger balance: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ledger_account_id, account_id, transaction_id, type,
		        amount::TEXT, balance_after::TEXT, description, reference_type, reference_id, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, after string
		if err := rows.Scan(&e.ID, &e.LedgerAccountID, &e.AccountID, &e.TransactionID, &e.Type,
			&amount, &after, &e.Description, &e.ReferenceType, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Orders ---

const orderColumns = `id, account_id, symbol, side, type, time_in_force,
        quantity::TEXT, filled_quantity::TEXT, limit_price::TEXT, stop_price::TEXT,
        average_price::TEXT, status, stop_triggered, idempotency_key, version,
        created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order, events []model.OrderEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var limit, stop *string
	if o.LimitPrice != nil {
		v := o.LimitPrice.String()
		limit = &v
	}
	if o.StopPrice != nil {
		v := o.StopPrice.String()
		stop = &v
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orders
		     (id, account_id, symbol, side, type, time_in_force, quantity, filled_quantity,
		      limit_price, stop_price, average_price, status, stop_triggered,
		      idempotency_key, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.AccountID, o.Symbol, o.Side, o.Type, o.TimeInForce,
		o.Quantity.String(), o.FilledQuantity.String(),
		limit, stop, o.AveragePrice.String(), o.Status, o.StopTriggered,
		o.IdempotencyKey, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}

	if err := insertEventsTx(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertEventsTx(ctx context.Context, tx pgx.Tx, events []model.OrderEvent) error {
	for i := range events {
		ev := &events[i]
		var meta []byte
		if ev.Metadata != nil {
			var err error
			meta, err = json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("marshal event metadata: %w", err)
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO order_events (id, order_id, event_type, previous_status, new_status, metadata, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, ev.OrderID, ev.EventType, ev.PreviousStatus, ev.NewStatus, meta, ev.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert order event: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var qty, filled, avg string
	var limit, stop *string

	err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Type, &o.TimeInForce,
		&qty, &filled, &limit, &stop,
		&avg, &o.Status, &o.StopTriggered, &o.IdempotencyKey, &o.Version,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Quantity, _ = decimal.NewFromString(qty)
	o.FilledQuantity, _ = decimal.NewFromString(filled)
	o.AveragePrice, _ = decimal.NewFromString(avg)
	if limit != nil {
		d, _ := decimal.NewFromString(*limit)
		o.LimitPrice = &d
	}
	if stop != nil {
		d, _ := decimal.NewFromString(*stop)
		o.StopPrice = &d
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrderByIdempotencyKey(ctx context.Context, accountID, key string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, key))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order, prevVersion int64, events []model.OrderEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateOrderTx(ctx, tx, o, prevVersion); err != nil {
		return err
	}
	if err := insertEventsTx(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// updateOrderTx writes an order conditioned on its previous version. Zero
// rows affected means another writer got there first.
func updateOrderTx(ctx context.Context, tx pgx.Tx, o *model.Order, prevVersion int64) error {
	var limit, stop *string
	if o.LimitPrice != nil {
		v := o.LimitPrice.String()
		limit = &v
	}
	if o.StopPrice != nil {
		v := o.StopPrice.String()
		stop = &v
	}

	tag, err := tx.Exec(ctx,
		`UPDATE orders
		 SET quantity = $3::NUMERIC, filled_quantity = $4::NUMERIC,
		     limit_price = $5::NUMERIC, stop_price = $6::NUMERIC,
		     average_price = $7::NUMERIC, status = $8, stop_triggered = $9,
		     version = $10, updated_at = $11
		 WHERE id = $1 AND version = $2`,
		o.ID, prevVersion,
		o.Quantity.String(), o.FilledQuantity.String(),
		limit, stop, o.AveragePrice.String(), o.Status, o.StopTriggered,
		o.Version, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

const openStatuses = `('PENDING', 'ACCEPTED', 'PARTIAL')`

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = $1 AND status IN `+openStatuses+` ORDER BY created_at`, accountID)
}

func (s *PostgresStore) ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = $1 AND status IN `+openStatuses+` ORDER BY created_at`, symbol)
}

func (s *PostgresStore) ListAllOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN `+openStatuses+` ORDER BY created_at`)
}

func (s *PostgresStore) ListOrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, event_type, previous_status, new_status, metadata, timestamp
		 FROM order_events WHERE order_id = $1 ORDER BY timestamp, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OrderEvent
	for rows.Next() {
		var ev model.OrderEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &ev.PreviousStatus, &ev.NewStatus, &meta, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Executions ---

func (s *PostgresStore) ListExecutions(ctx context.Context, accountID, symbol string) ([]model.Execution, error) {
	query := `SELECT id, order_id, account_id, symbol, side, quantity::TEXT, price::TEXT, commission::TEXT, executed_at
	          FROM executions WHERE account_id = $1`
	args := []any{accountID}
	if symbol != "" {
		query += ` AND symbol = $2`
		args = append(args, symbol)
	}
	query += ` ORDER BY executed_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		var e model.Execution
		var qty, price, commission string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.AccountID, &e.Symbol, &e.Side, &qty, &price, &commission, &e.ExecutedAt); err != nil {
			return nil, err
		}
		e.Quantity, _ = decimal.NewFromString(qty)
		e.Price, _ = decimal.NewFromString(price)
		e.Commission, _ = decimal.NewFromString(commission)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	var p model.Position
	var qty, avg, realized string

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, symbol, quantity::TEXT, average_cost::TEXT, realized_pnl::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol).
		Scan(&p.AccountID, &p.Symbol, &qty, &avg, &realized, &p.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AverageCost, _ = decimal.NewFromString(avg)
	p.RealizedPnL, _ = decimal.NewFromString(realized)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, symbol, quantity::TEXT, average_cost::TEXT, realized_pnl::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg, realized string
		if err := rows.Scan(&p.AccountID, &p.Symbol, &qty, &avg, &realized, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AverageCost, _ = decimal.NewFromString(avg)
		p.RealizedPnL, _ = decimal.NewFromString(realized)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Atomic fill application ---

func (s *PostgresStore) ApplyFill(ctx context.Context, b *model.FillBundle) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateOrderTx(ctx, tx, b.Order, b.PrevVersion); err != nil {
		return err
	}

	e := b.Execution
	_, err = tx.Exec(ctx,
		`INSERT INTO executions (id, order_id, account_id, symbol, side, quantity, price, commission, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.OrderID, e.AccountID, e.Symbol, e.Side,
		e.Quantity.String(), e.Price.String(), e.Commission.String(), e.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	if err := insertEventsTx(ctx, tx, b.Events); err != nil {
		return err
	}

	if b.DeletePosition {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND symbol = $2`,
			e.AccountID, e.Symbol,
		)
		if err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
	} else if b.Position != nil {
		p := b.Position
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (account_id, symbol, quantity, average_cost, realized_pnl, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (account_id, symbol) DO UPDATE
			 SET quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost,
			     realized_pnl = EXCLUDED.realized_pnl, updated_at = EXCLUDED.updated_at`,
			p.AccountID, p.Symbol,
			p.Quantity.String(), p.AverageCost.String(), p.RealizedPnL.String(), p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
	}

	if err := insertEntriesTx(ctx, tx, b.Entries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
