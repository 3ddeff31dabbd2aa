/*
Package postgres provides a PostgreSQL-backed ledger.TxStore.

PURPOSE:
  Same queries as store/sqlite (see store/sqlstore), with:
  - NUMERIC money columns, exchanged as text so no float ever appears
  - SELECT ... FOR UPDATE before every read-modify-write
  - SERIALIZABLE units, so the guarded deletes and the recording
    operations cannot interleave. The loser of a conflict is aborted
    with SQLSTATE 40001 and reported as ErrTransactionAborted.

ERROR MAPPING:
  23505                 → ErrDuplicateID
  23503                 → ErrNotFound (dangling reference)
  40001, 40P01          → ErrTransactionAborted
  08xxx, connect errors → ErrStoreUnavailable
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/store/sqlstore"
)

// Store is a ledger.TxStore over PostgreSQL.
type Store struct {
	*sqlstore.DB
}

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{DB: sqlstore.New(db, Dialect())}, nil
}

// Dialect is the PostgreSQL spelling of the shared queries.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "postgres",
		Numbered:    true,
		MoneyColumn: func(col string) string { return col + "::text" },
		MoneyArg:    func(ph string) string { return ph + "::numeric" },
		LockClause:  "FOR UPDATE",
		OrderColumn: "seq",
		TxOptions:   &sql.TxOptions{Isolation: sql.LevelSerializable},
		Classify:    classify,
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS products (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		stock BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS vendors (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		balance NUMERIC NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS incoming (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		qty BIGINT NOT NULL,
		price_per_pcs NUMERIC NOT NULL,
		price_total NUMERIC NOT NULL,
		date TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL REFERENCES products(id),
		vendor_id TEXT NOT NULL REFERENCES vendors(id),
		active BOOLEAN NOT NULL DEFAULT true,
		product_name TEXT NOT NULL DEFAULT '',
		vendor_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_incoming_product_active ON incoming(product_id, active);
	CREATE INDEX IF NOT EXISTS idx_incoming_vendor_active ON incoming(vendor_id, active);

	CREATE TABLE IF NOT EXISTS payments (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		amount NUMERIC NOT NULL,
		date TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		vendor_id TEXT NOT NULL REFERENCES vendors(id),
		active BOOLEAN NOT NULL DEFAULT true,
		vendor_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payments_vendor_active ON payments(vendor_id, active);
	`)
	return err
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ledger.ErrDuplicateID
		case pgErr.Code == "23503":
			return ledger.ErrNotFound
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return ledger.ErrTransactionAborted
		case strings.HasPrefix(pgErr.Code, "08"):
			return ledger.ErrStoreUnavailable
		}
		return nil
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || errors.Is(err, sql.ErrConnDone) {
		return ledger.ErrStoreUnavailable
	}
	return nil
}
