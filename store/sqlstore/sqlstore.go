/*
Package sqlstore implements ledger.TxStore on database/sql.

PURPOSE:
  The SQL shared by the SQLite and PostgreSQL drivers. A Dialect carries
  the few differences (placeholders, money casts, row locks, error
  classification); the queries themselves are written once with "?"
  placeholders and rebound per dialect.

KEY TABLES:
  products:  id, name, active, stock
  vendors:   id, name, active, balance
  incoming:  one row per IncomingAction
  payments:  one row per Payment

  Money is exchanged with the database as its decimal string form so
  that no float conversion ever happens. Dates are stored as YYYY-MM-DD.

CONCURRENCY:
  Every write from the engine runs inside WithTx. Dialects that cannot
  run concurrent writers (SQLite) set Serialize, which takes a mutex for
  the whole unit like the in-memory store. The others rely on the
  database: Lock rows are taken with the dialect's lock clause before any
  read-modify-write.

SEE ALSO:
  - store/sqlite:   SQLite dialect + schema
  - store/postgres: PostgreSQL dialect + schema
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// DIALECT
// =============================================================================

// Dialect describes how one database engine spells the shared queries.
type Dialect struct {
	Name string

	// Numbered placeholders ($1, $2...) instead of "?".
	Numbered bool

	// MoneyColumn wraps a money column in a SELECT list so it scans as text.
	MoneyColumn func(col string) string

	// MoneyArg wraps a placeholder that carries a decimal string.
	MoneyArg func(ph string) string

	// LockClause is appended to SELECTs that precede a read-modify-write.
	LockClause string

	// OrderColumn yields insertion order.
	OrderColumn string

	// Serialize serializes WithTx with a process-wide mutex.
	Serialize bool

	TxOptions *sql.TxOptions

	// Classify maps a driver error onto the ledger sentinels. It returns
	// nil when the error is not recognized.
	Classify func(err error) error
}

func (d *Dialect) money(col string) string {
	if d.MoneyColumn == nil {
		return col
	}
	return d.MoneyColumn(col)
}

func (d *Dialect) moneyArg() string {
	if d.MoneyArg == nil {
		return "?"
	}
	return d.MoneyArg("?")
}

// rebind rewrites "?" placeholders for numbered dialects.
func (d *Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// wrap classifies err and keeps the driver's message.
func (d *Dialect) wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", what, ledger.ErrTransactionAborted, err)
	}
	if d.Classify != nil {
		if sentinel := d.Classify(err); sentinel != nil {
			return fmt.Errorf("%s: %w: %w", what, sentinel, err)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// =============================================================================
// DB - ledger.TxStore
// =============================================================================

// DB is a ledger.TxStore over a *sql.DB.
type DB struct {
	db *sql.DB
	d  Dialect
	mu sync.Mutex
}

// New wraps an open database. The schema must already exist.
func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, d: d}
}

// SQL exposes the underlying pool (health checks, migrations).
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *DB) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (s *DB) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.d.Serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, s.d.TxOptions)
	if err != nil {
		return s.d.wrap("begin transaction", unavailable(err))
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx, d: &s.d}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		err = s.d.wrap("commit", err)
		if !errors.Is(err, ledger.ErrTransactionAborted) && !errors.Is(err, ledger.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ledger.ErrTransactionAborted, err)
		}
		return err
	}
	return nil
}

// unavailable marks errors from opening a unit as connectivity failures
// unless the dialect already knows better.
func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
}

var _ ledger.TxStore = (*DB)(nil)

func (s *DB) reader() *conn { return &conn{q: s.db, d: &s.d} }

// inTx runs a single write as its own unit.
func inTx[T any](ctx context.Context, s *DB, fn func(ledger.Store) (T, error)) (T, error) {
	var out T
	err := s.WithTx(ctx, func(st ledger.Store) error {
		var err error
		out, err = fn(st)
		return err
	})
	return out, err
}

func (s *DB) InsertProduct(ctx context.Context, p ledger.Product) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.InsertProduct(ctx, p) })
}

func (s *DB) InsertVendor(ctx context.Context, v ledger.Vendor) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.InsertVendor(ctx, v) })
}

func (s *DB) InsertIncoming(ctx context.Context, a ledger.IncomingAction) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.InsertIncoming(ctx, a) })
}

func (s *DB) InsertPayment(ctx context.Context, p ledger.Payment) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.InsertPayment(ctx, p) })
}

func (s *DB) FindProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return s.reader().FindProduct(ctx, id)
}

func (s *DB) FindVendor(ctx context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	return s.reader().FindVendor(ctx, id)
}

func (s *DB) FindIncoming(ctx context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	return s.reader().FindIncoming(ctx, id)
}

func (s *DB) FindPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	return s.reader().FindPayment(ctx, id)
}

func (s *DB) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	return s.reader().ListProducts(ctx)
}

func (s *DB) ListVendors(ctx context.Context) ([]ledger.Vendor, error) {
	return s.reader().ListVendors(ctx)
}

func (s *DB) ListIncoming(ctx context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	return s.reader().ListIncoming(ctx, f)
}

func (s *DB) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	return s.reader().ListPayments(ctx, f)
}

func (s *DB) IncrementStock(ctx context.Context, id ledger.ProductID, delta int64) (ledger.Product, error) {
	return inTx(ctx, s, func(st ledger.Store) (ledger.Product, error) { return st.IncrementStock(ctx, id, delta) })
}

func (s *DB) IncrementBalance(ctx context.Context, id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	return inTx(ctx, s, func(st ledger.Store) (ledger.Vendor, error) { return st.IncrementBalance(ctx, id, delta) })
}

func (s *DB) SetProductActive(ctx context.Context, id ledger.ProductID, active bool) (ledger.Product, error) {
	return inTx(ctx, s, func(st ledger.Store) (ledger.Product, error) { return st.SetProductActive(ctx, id, active) })
}

func (s *DB) SetVendorActive(ctx context.Context, id ledger.VendorID, active bool) (ledger.Vendor, error) {
	return inTx(ctx, s, func(st ledger.Store) (ledger.Vendor, error) { return st.SetVendorActive(ctx, id, active) })
}

func (s *DB) SetIncomingActive(ctx context.Context, id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	return inTx(ctx, s, func(st ledger.Store) (ledger.IncomingAction, error) { return st.SetIncomingActive(ctx, id, active) })
}

func (s *DB) SetPaymentActive(ctx context.Context, id ledger.PaymentID, active bool) (ledger.Payment, error) {
	return inTx(ctx, s, func(st ledger.Store) (ledger.Payment, error) { return st.SetPaymentActive(ctx, id, active) })
}

func (s *DB) ReplaceIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	return inTx(ctx, s, func(st ledger.Store) (ledger.IncomingAction, error) { return st.ReplaceIncoming(ctx, a) })
}

// =============================================================================
// CONN - ledger.Store over a *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
	d *Dialect
}

func (c *conn) exec(ctx context.Context, what, query string, args ...any) error {
	_, err := c.q.ExecContext(ctx, c.d.rebind(query), args...)
	return c.d.wrap(what, err)
}

func (c *conn) productCols() string { return "id, name, active, stock" }

func (c *conn) vendorCols() string {
	return "id, name, active, " + c.d.money("balance")
}

func (c *conn) incomingCols() string {
	return "id, qty, " + c.d.money("price_per_pcs") + ", " + c.d.money("price_total") +
		", date, notes, product_id, vendor_id, active, product_name, vendor_name"
}

func (c *conn) paymentCols() string {
	return "id, " + c.d.money("amount") + ", date, notes, vendor_id, active, vendor_name"
}

// --- inserts -----------------------------------------------------------------

func (c *conn) InsertProduct(ctx context.Context, p ledger.Product) error {
	return c.exec(ctx, "insert product "+string(p.ID),
		`INSERT INTO products (id, name, active, stock) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Active, p.Stock)
}

func (c *conn) InsertVendor(ctx context.Context, v ledger.Vendor) error {
	return c.exec(ctx, "insert vendor "+string(v.ID),
		`INSERT INTO vendors (id, name, active, balance) VALUES (?, ?, ?, `+c.d.moneyArg()+`)`,
		v.ID, v.Name, v.Active, v.Balance.String())
}

func (c *conn) InsertIncoming(ctx context.Context, a ledger.IncomingAction) error {
	m := c.d.moneyArg()
	return c.exec(ctx, "insert incoming "+string(a.ID),
		`INSERT INTO incoming
		(id, qty, price_per_pcs, price_total, date, notes, product_id, vendor_id, active, product_name, vendor_name)
		VALUES (?, ?, `+m+`, `+m+`, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Qty, a.PricePerPcs.String(), a.PriceTotal.String(), formatDate(a.Date), a.Notes,
		a.Product, a.Vendor, a.Active, a.ProductName, a.VendorName)
}

func (c *conn) InsertPayment(ctx context.Context, p ledger.Payment) error {
	return c.exec(ctx, "insert payment "+string(p.ID),
		`INSERT INTO payments (id, amount, date, notes, vendor_id, active, vendor_name)
		VALUES (?, `+c.d.moneyArg()+`, ?, ?, ?, ?, ?)`,
		p.ID, p.Amount.String(), formatDate(p.Date), p.Notes, p.Vendor, p.Active, p.VendorName)
}

// --- finds -------------------------------------------------------------------

func (c *conn) findProduct(ctx context.Context, id ledger.ProductID, lock bool) (ledger.Product, error) {
	q := `SELECT ` + c.productCols() + ` FROM products WHERE id = ?` + c.lock(lock)
	p, err := scanProduct(c.q.QueryRowContext(ctx, c.d.rebind(q), id))
	return p, c.d.wrap("product "+string(id), err)
}

func (c *conn) findVendor(ctx context.Context, id ledger.VendorID, lock bool) (ledger.Vendor, error) {
	q := `SELECT ` + c.vendorCols() + ` FROM vendors WHERE id = ?` + c.lock(lock)
	v, err := scanVendor(c.q.QueryRowContext(ctx, c.d.rebind(q), id))
	return v, c.d.wrap("vendor "+string(id), err)
}

func (c *conn) findIncoming(ctx context.Context, id ledger.ActionID, lock bool) (ledger.IncomingAction, error) {
	q := `SELECT ` + c.incomingCols() + ` FROM incoming WHERE id = ?` + c.lock(lock)
	a, err := scanIncoming(c.q.QueryRowContext(ctx, c.d.rebind(q), id))
	return a, c.d.wrap("incoming "+string(id), err)
}

func (c *conn) findPayment(ctx context.Context, id ledger.PaymentID, lock bool) (ledger.Payment, error) {
	q := `SELECT ` + c.paymentCols() + ` FROM payments WHERE id = ?` + c.lock(lock)
	p, err := scanPayment(c.q.QueryRowContext(ctx, c.d.rebind(q), id))
	return p, c.d.wrap("payment "+string(id), err)
}

func (c *conn) lock(on bool) string {
	if on && c.d.LockClause != "" {
		return " " + c.d.LockClause
	}
	return ""
}

func (c *conn) FindProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return c.findProduct(ctx, id, false)
}

func (c *conn) FindVendor(ctx context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	return c.findVendor(ctx, id, false)
}

func (c *conn) FindIncoming(ctx context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	return c.findIncoming(ctx, id, false)
}

func (c *conn) FindPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	return c.findPayment(ctx, id, false)
}

// --- lists -------------------------------------------------------------------

func (c *conn) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	q := `SELECT ` + c.productCols() + ` FROM products ORDER BY ` + c.d.OrderColumn
	return queryAll(ctx, c, "list products", q, nil, scanProduct)
}

func (c *conn) ListVendors(ctx context.Context) ([]ledger.Vendor, error) {
	q := `SELECT ` + c.vendorCols() + ` FROM vendors ORDER BY ` + c.d.OrderColumn
	return queryAll(ctx, c, "list vendors", q, nil, scanVendor)
}

func (c *conn) ListIncoming(ctx context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	var w where
	if f.Product != nil {
		w.add("product_id = ?", *f.Product)
	}
	if f.Vendor != nil {
		w.add("vendor_id = ?", *f.Vendor)
	}
	if f.Active != nil {
		w.add("active = ?", *f.Active)
	}
	q := `SELECT ` + c.incomingCols() + ` FROM incoming` + w.sql() + ` ORDER BY ` + c.d.OrderColumn + limit(f.Limit)
	return queryAll(ctx, c, "list incoming", q, w.args, scanIncoming)
}

func (c *conn) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	var w where
	if f.Vendor != nil {
		w.add("vendor_id = ?", *f.Vendor)
	}
	if f.Active != nil {
		w.add("active = ?", *f.Active)
	}
	q := `SELECT ` + c.paymentCols() + ` FROM payments` + w.sql() + ` ORDER BY ` + c.d.OrderColumn + limit(f.Limit)
	return queryAll(ctx, c, "list payments", q, w.args, scanPayment)
}

// --- updates -----------------------------------------------------------------

func (c *conn) IncrementStock(ctx context.Context, id ledger.ProductID, delta int64) (ledger.Product, error) {
	q := `UPDATE products SET stock = stock + ? WHERE id = ? RETURNING ` + c.productCols()
	p, err := scanProduct(c.q.QueryRowContext(ctx, c.d.rebind(q), delta, id))
	return p, c.d.wrap("increment stock "+string(id), err)
}

// IncrementBalance is a locked read-modify-write: exact decimal arithmetic
// happens in Go, not in the database.
func (c *conn) IncrementBalance(ctx context.Context, id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	v, err := c.findVendor(ctx, id, true)
	if err != nil {
		return ledger.Vendor{}, err
	}
	v.Balance = v.Balance.Add(delta)
	err = c.exec(ctx, "increment balance "+string(id),
		`UPDATE vendors SET balance = `+c.d.moneyArg()+` WHERE id = ?`, v.Balance.String(), id)
	if err != nil {
		return ledger.Vendor{}, err
	}
	return v, nil
}

func (c *conn) SetProductActive(ctx context.Context, id ledger.ProductID, active bool) (ledger.Product, error) {
	prev, err := c.findProduct(ctx, id, true)
	if err != nil {
		return ledger.Product{}, err
	}
	return prev, c.exec(ctx, "set product active", `UPDATE products SET active = ? WHERE id = ?`, active, id)
}

func (c *conn) SetVendorActive(ctx context.Context, id ledger.VendorID, active bool) (ledger.Vendor, error) {
	prev, err := c.findVendor(ctx, id, true)
	if err != nil {
		return ledger.Vendor{}, err
	}
	return prev, c.exec(ctx, "set vendor active", `UPDATE vendors SET active = ? WHERE id = ?`, active, id)
}

func (c *conn) SetIncomingActive(ctx context.Context, id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	prev, err := c.findIncoming(ctx, id, true)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	return prev, c.exec(ctx, "set incoming active", `UPDATE incoming SET active = ? WHERE id = ?`, active, id)
}

func (c *conn) SetPaymentActive(ctx context.Context, id ledger.PaymentID, active bool) (ledger.Payment, error) {
	prev, err := c.findPayment(ctx, id, true)
	if err != nil {
		return ledger.Payment{}, err
	}
	return prev, c.exec(ctx, "set payment active", `UPDATE payments SET active = ? WHERE id = ?`, active, id)
}

func (c *conn) ReplaceIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	prev, err := c.findIncoming(ctx, a.ID, true)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	m := c.d.moneyArg()
	err = c.exec(ctx, "replace incoming "+string(a.ID),
		`UPDATE incoming SET
			qty = ?, price_per_pcs = `+m+`, price_total = `+m+`, date = ?, notes = ?,
			product_id = ?, vendor_id = ?, active = ?, product_name = ?, vendor_name = ?
		WHERE id = ?`,
		a.Qty, a.PricePerPcs.String(), a.PriceTotal.String(), formatDate(a.Date), a.Notes,
		a.Product, a.Vendor, a.Active, a.ProductName, a.VendorName, a.ID)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	return prev, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func queryAll[T any](ctx context.Context, c *conn, what, query string, args []any, scan func(scanner) (T, error)) ([]T, error) {
	rows, err := c.q.QueryContext(ctx, c.d.rebind(query), args...)
	if err != nil {
		return nil, c.d.wrap(what, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, c.d.wrap(what, err)
		}
		out = append(out, v)
	}
	return out, c.d.wrap(what, rows.Err())
}

func scanProduct(s scanner) (ledger.Product, error) {
	var p ledger.Product
	err := s.Scan(&p.ID, &p.Name, &p.Active, &p.Stock)
	return p, err
}

func scanVendor(s scanner) (ledger.Vendor, error) {
	var (
		v       ledger.Vendor
		balance string
	)
	if err := s.Scan(&v.ID, &v.Name, &v.Active, &balance); err != nil {
		return v, err
	}
	var err error
	v.Balance, err = parseMoney(balance)
	return v, err
}

func scanIncoming(s scanner) (ledger.IncomingAction, error) {
	var (
		a                 ledger.IncomingAction
		perPcs, total, dt string
	)
	err := s.Scan(&a.ID, &a.Qty, &perPcs, &total, &dt, &a.Notes,
		&a.Product, &a.Vendor, &a.Active, &a.ProductName, &a.VendorName)
	if err != nil {
		return a, err
	}
	if a.PricePerPcs, err = parseMoney(perPcs); err != nil {
		return a, err
	}
	if a.PriceTotal, err = parseMoney(total); err != nil {
		return a, err
	}
	a.Date, err = parseDate(dt)
	return a, err
}

func scanPayment(s scanner) (ledger.Payment, error) {
	var (
		p          ledger.Payment
		amount, dt string
	)
	err := s.Scan(&p.ID, &amount, &dt, &p.Notes, &p.Vendor, &p.Active, &p.VendorName)
	if err != nil {
		return p, err
	}
	if p.Amount, err = parseMoney(amount); err != nil {
		return p, err
	}
	p.Date, err = parseDate(dt)
	return p, err
}

func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt money value %q: %w", s, err)
	}
	return d, nil
}

func formatDate(t time.Time) string { return t.UTC().Format(ledger.DateLayout) }

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt date %q: %w", s, err)
	}
	return t, nil
}

// =============================================================================
// QUERY BUILDING
// =============================================================================

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, arg)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limit(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(n)
}
