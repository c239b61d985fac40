package sandbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trade_executor/internal/core"
	apperrors "trade_executor/pkg/errors"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS account (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	cash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	shares INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	id         TEXT PRIMARY KEY,
	side       TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	shares     INTEGER NOT NULL,
	price      TEXT NOT NULL,
	commission TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);
`

// Ledger is the sqlite-backed paper account: cash, positions and fills
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens or creates the ledger at path. initialCash seeds a new
// account only; an existing account keeps its balance.
func OpenLedger(ctx context.Context, path string, initialCash decimal.Decimal) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO account (id, cash) VALUES (1, ?)`, initialCash.String()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed account: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Record applies one fill. Buys must be covered by cash including commission,
// sells by the held position.
func (l *Ledger) Record(ctx context.Context, side, symbol string, shares int64, price, commission decimal.Decimal) (string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cash, err := readCash(ctx, tx)
	if err != nil {
		return "", err
	}

	var held int64
	err = tx.QueryRowContext(ctx, `SELECT shares FROM positions WHERE symbol = ?`, symbol).Scan(&held)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read position: %w", err)
	}

	notional := price.Mul(decimal.NewFromInt(shares))
	switch side {
	case core.ActionBuy:
		cost := notional.Add(commission)
		if cost.GreaterThan(cash) {
			return "", fmt.Errorf("%w: need %s, have %s", apperrors.ErrInsufficientFunds, cost.StringFixed(2), cash.StringFixed(2))
		}
		cash = cash.Sub(cost)
		held += shares
	case core.ActionSell:
		if shares > held {
			return "", fmt.Errorf("%w: selling %d %s, holding %d", apperrors.ErrInsufficientPosition, shares, symbol, held)
		}
		cash = cash.Add(notional).Sub(commission)
		held -= shares
	default:
		return "", fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, side)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE account SET cash = ? WHERE id = 1`, cash.String()); err != nil {
		return "", fmt.Errorf("failed to update cash: %w", err)
	}
	if held == 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO positions (symbol, shares) VALUES (?, ?) ON CONFLICT(symbol) DO UPDATE SET shares = excluded.shares`,
			symbol, held)
	}
	if err != nil {
		return "", fmt.Errorf("failed to update position: %w", err)
	}

	fillID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fills (id, side, symbol, shares, price, commission, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fillID, side, symbol, shares, price.String(), commission.String(), time.Now().Unix()); err != nil {
		return "", fmt.Errorf("failed to insert fill: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit fill: %w", err)
	}
	return fillID, nil
}

// Cash returns the account balance
func (l *Ledger) Cash(ctx context.Context) (decimal.Decimal, error) {
	return readCash(ctx, l.db)
}

// Position returns the shares held for symbol
func (l *Ledger) Position(ctx context.Context, symbol string) (int64, error) {
	var held int64
	err := l.db.QueryRowContext(ctx, `SELECT shares FROM positions WHERE symbol = ?`, symbol).Scan(&held)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read position: %w", err)
	}
	return held, nil
}

// FillCount returns the number of recorded fills
func (l *Ledger) FillCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fills`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count fills: %w", err)
	}
	return n, nil
}

// Close releases the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func readCash(ctx context.Context, q queryRower) (decimal.Decimal, error) {
	var raw string
	if err := q.QueryRowContext(ctx, `SELECT cash FROM account WHERE id = 1`).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to read cash: %w", err)
	}
	cash, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt cash balance %q: %w", raw, err)
	}
	return cash, nil
}
