// Package storage is the durable backing store for reconciled trade state.
// One SQLite database per bot process; all reconciler writes go through
// a single transaction per signal.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/futbot/internal/domain"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the trade database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is happiest with a single writer
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS signals (
  signal_id INTEGER PRIMARY KEY,
  account_id TEXT NOT NULL,
  consumed_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS positions (
  signal_id INTEGER PRIMARY KEY,
  account_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  mark_price TEXT NOT NULL,
  leverage INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL,
  opened_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS orders (
  exchange_order_id TEXT PRIMARY KEY,
  client_order_id TEXT NOT NULL,
  signal_id INTEGER NOT NULL,
  account_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  quantity TEXT NOT NULL,
  price TEXT NOT NULL,
  filled_quantity TEXT NOT NULL,
  avg_fill_price TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_signal_id ON orders(signal_id);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account_id ON orders(account_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SignalConsumed reports whether a signal has already been flushed.
func (s *Store) SignalConsumed(ctx context.Context, signalID int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM signals WHERE signal_id=?`, signalID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkSignalConsumedTx records the signal as flushed. Re-marking is a no-op,
// which is what makes a repeated flush idempotent.
func MarkSignalConsumedTx(ctx context.Context, tx *sql.Tx, signalID int64, accountID string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO signals (signal_id, account_id, consumed_at) VALUES (?,?,?)
ON CONFLICT(signal_id) DO NOTHING
`, signalID, accountID, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark signal consumed: %w", err)
	}
	return nil
}

// UpsertPositionTx writes the staged position. Last write per signal wins.
func UpsertPositionTx(ctx context.Context, tx *sql.Tx, p *domain.Position) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO positions (signal_id,account_id,symbol,side,quantity,entry_price,mark_price,leverage,status,opened_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(signal_id) DO UPDATE SET
  account_id=excluded.account_id,
  symbol=excluded.symbol,
  side=excluded.side,
  quantity=excluded.quantity,
  entry_price=excluded.entry_price,
  mark_price=excluded.mark_price,
  leverage=excluded.leverage,
  status=excluded.status,
  updated_at=excluded.updated_at
`, p.SignalID, p.AccountID, p.Symbol, string(p.Side), p.Quantity.String(), p.EntryPrice.String(),
		p.MarkPrice.String(), p.Leverage, string(p.Status),
		p.OpenedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert position %d: %w", p.SignalID, err)
	}
	return nil
}

// UpsertOrderTx writes one staged order. The primary key on exchange_order_id
// guarantees a replayed fill can never produce a second row.
func UpsertOrderTx(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO orders (exchange_order_id,client_order_id,signal_id,account_id,symbol,side,type,status,quantity,price,filled_quantity,avg_fill_price,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(exchange_order_id) DO UPDATE SET
  status=excluded.status,
  filled_quantity=excluded.filled_quantity,
  avg_fill_price=excluded.avg_fill_price,
  updated_at=excluded.updated_at
`, o.ExchangeOrderID, o.ClientOrderID, o.SignalID, o.AccountID, o.Symbol, string(o.Side), string(o.Type),
		string(o.Status), o.Quantity.String(), o.Price.String(), o.FilledQuantity.String(), o.AvgFillPrice.String(),
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ExchangeOrderID, err)
	}
	return nil
}

// GetPosition returns the stored position for a signal, or nil when absent.
func (s *Store) GetPosition(ctx context.Context, signalID int64) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT signal_id,account_id,symbol,side,quantity,entry_price,mark_price,leverage,status,opened_at,updated_at
FROM positions WHERE signal_id=?
`, signalID)
	var p domain.Position
	var side, status, qty, entry, mark, openedAt, updatedAt string
	if err := row.Scan(&p.SignalID, &p.AccountID, &p.Symbol, &side, &qty, &entry, &mark, &p.Leverage, &status, &openedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	var err error
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("position %d quantity: %w", p.SignalID, err)
	}
	if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("position %d entry price: %w", p.SignalID, err)
	}
	if p.MarkPrice, err = decimal.NewFromString(mark); err != nil {
		return nil, fmt.Errorf("position %d mark price: %w", p.SignalID, err)
	}
	p.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// GetOrder returns the stored order by exchange order id, or nil when absent.
func (s *Store) GetOrder(ctx context.Context, exchangeOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT exchange_order_id,client_order_id,signal_id,account_id,symbol,side,type,status,quantity,price,filled_quantity,avg_fill_price,created_at,updated_at
FROM orders WHERE exchange_order_id=?
`, exchangeOrderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// ListOrdersBySignal returns all stored orders attributed to a signal.
func (s *Store) ListOrdersBySignal(ctx context.Context, signalID int64) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT exchange_order_id,client_order_id,signal_id,account_id,symbol,side,type,status,quantity,price,filled_quantity,avg_fill_price,created_at,updated_at
FROM orders WHERE signal_id=? ORDER BY created_at
`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, typ, status, qty, price, filled, avg, createdAt, updatedAt string
	if err := row.Scan(&o.ExchangeOrderID, &o.ClientOrderID, &o.SignalID, &o.AccountID, &o.Symbol,
		&side, &typ, &status, &qty, &price, &filled, &avg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	var err error
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("order %s quantity: %w", o.ExchangeOrderID, err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("order %s price: %w", o.ExchangeOrderID, err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("order %s filled quantity: %w", o.ExchangeOrderID, err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("order %s avg fill price: %w", o.ExchangeOrderID, err)
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &o, nil
}
