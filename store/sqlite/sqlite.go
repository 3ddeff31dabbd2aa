/*
Package sqlite provides a SQLite-backed ledger.TxStore.

PURPOSE:
  The default driver. Schema and dialect only; the queries live in
  store/sqlstore and are shared with PostgreSQL.

KEY TABLES:
  products, vendors, incoming, payments

  Money columns are TEXT holding the exact decimal string. SQLite has no
  decimal type and REAL would round.

INDEXES:
  - idx_incoming_product_active: deletion guard for products
  - idx_incoming_vendor_active:  deletion guard for vendors
  - idx_payments_vendor_active:  deletion guard for vendors

CONCURRENCY:
  One connection, and WithTx holds a mutex for the whole unit. Every unit
  therefore sees a consistent snapshot, and the guarded deletes cannot
  race with a concurrent record.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash
  recovery. Use ":memory:" for an in-memory database.

USAGE:
  st, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  engine := ledger.NewEngine(st)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/store/sqlstore"
)

// Store is a ledger.TxStore over SQLite.
type Store struct {
	*sqlstore.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{DB: sqlstore.New(db, Dialect())}, nil
}

// Dialect is the SQLite spelling of the shared queries.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "sqlite",
		OrderColumn: "rowid",
		Serialize:   true,
		Classify:    classify,
	}
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		stock INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS vendors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		balance TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS incoming (
		id TEXT PRIMARY KEY,
		qty INTEGER NOT NULL,
		price_per_pcs TEXT NOT NULL,
		price_total TEXT NOT NULL,
		date TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL REFERENCES products(id),
		vendor_id TEXT NOT NULL REFERENCES vendors(id),
		active INTEGER NOT NULL DEFAULT 1,
		product_name TEXT NOT NULL DEFAULT '',
		vendor_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_incoming_product_active
		ON incoming(product_id, active);
	CREATE INDEX IF NOT EXISTS idx_incoming_vendor_active
		ON incoming(vendor_id, active);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		date TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		vendor_id TEXT NOT NULL REFERENCES vendors(id),
		active INTEGER NOT NULL DEFAULT 1,
		vendor_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payments_vendor_active
		ON payments(vendor_id, active);
	`

	_, err := db.Exec(schema)
	return err
}

func classify(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey, se.ExtendedCode == sqlite3.ErrConstraintUnique:
		return ledger.ErrDuplicateID
	case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return ledger.ErrNotFound
	case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
		return ledger.ErrTransactionAborted
	case se.Code == sqlite3.ErrCantOpen, se.Code == sqlite3.ErrIoErr:
		return ledger.ErrStoreUnavailable
	}
	return nil
}
