/*
Package mongo provides a MongoDB-backed ledger.TxStore.

PURPOSE:
  Documents live in four collections of one database:

    products  vendors  coming  payment

  Each document carries its ledger id in "id" (unique index) and keeps the
  driver-generated ObjectID in "_id", which gives insertion order.

PRIMITIVES:
  - InsertOne for new documents
  - FindOneAndUpdate with $inc for aggregates (ReturnDocument After)
  - FindOneAndUpdate with $set for flags and edits (ReturnDocument Before)
  - session transactions for WithTx

  Money is stored as Decimal128 so that $inc stays exact.

TRANSACTIONS:
  MongoDB transactions need a replica set (a single-node one is enough).
  WithTx starts, commits or aborts the transaction itself rather than
  using Session.WithTransaction, which would retry the unit on transient
  errors. A transient failure is reported as ErrTransactionAborted and the
  caller decides whether to retry.
*/
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/warp/stock-ledger/ledger"
)

const (
	productsCollection = "products"
	vendorsCollection  = "vendors"
	incomingCollection = "coming"
	paymentsCollection = "payment"
)

// Store is a ledger.TxStore over MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to uri, pings, and ensures the id indexes on database.
func New(ctx context.Context, uri, database string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ledger.ErrStoreUnavailable, err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: ping: %w", ledger.ErrStoreUnavailable, err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := mongo.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)}
	for _, name := range []string{productsCollection, vendorsCollection, incomingCollection, paymentsCollection} {
		if _, err := s.db.Collection(name).Indexes().CreateOne(ctx, unique); err != nil {
			return err
		}
	}
	guards := map[string][]bson.D{
		incomingCollection: {
			{{Key: "product", Value: 1}, {Key: "active", Value: 1}},
			{{Key: "vendor", Value: 1}, {Key: "active", Value: 1}},
		},
		paymentsCollection: {
			{{Key: "vendor", Value: 1}, {Key: "active", Value: 1}},
		},
	}
	for name, keys := range guards {
		for _, k := range keys {
			if _, err := s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: k}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Database exposes the underlying database (tests, admin tooling).
func (s *Store) Database() *mongo.Database { return s.db }

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

// WithTx executes fn within a multi-document transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", ledger.ErrStoreUnavailable, err)
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return classify("start transaction", err)
	}

	if err := fn(&conn{db: s.db, sess: sess}); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(ctx))
		return err
	}

	if err := sess.CommitTransaction(ctx); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(ctx))
		err = classify("commit", err)
		if !errors.Is(err, ledger.ErrTransactionAborted) && !errors.Is(err, ledger.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ledger.ErrTransactionAborted, err)
		}
		return err
	}
	return nil
}

var _ ledger.TxStore = (*Store)(nil)

// Outside WithTx each call is its own single-document operation.
func (s *Store) direct() *conn { return &conn{db: s.db} }

func (s *Store) InsertProduct(ctx context.Context, p ledger.Product) error {
	return s.direct().InsertProduct(ctx, p)
}

func (s *Store) InsertVendor(ctx context.Context, v ledger.Vendor) error {
	return s.direct().InsertVendor(ctx, v)
}

func (s *Store) InsertIncoming(ctx context.Context, a ledger.IncomingAction) error {
	return s.direct().InsertIncoming(ctx, a)
}

func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	return s.direct().InsertPayment(ctx, p)
}

func (s *Store) FindProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return s.direct().FindProduct(ctx, id)
}

func (s *Store) FindVendor(ctx context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	return s.direct().FindVendor(ctx, id)
}

func (s *Store) FindIncoming(ctx context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	return s.direct().FindIncoming(ctx, id)
}

func (s *Store) FindPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	return s.direct().FindPayment(ctx, id)
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	return s.direct().ListProducts(ctx)
}

func (s *Store) ListVendors(ctx context.Context) ([]ledger.Vendor, error) {
	return s.direct().ListVendors(ctx)
}

func (s *Store) ListIncoming(ctx context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	return s.direct().ListIncoming(ctx, f)
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	return s.direct().ListPayments(ctx, f)
}

func (s *Store) IncrementStock(ctx context.Context, id ledger.ProductID, delta int64) (ledger.Product, error) {
	return s.direct().IncrementStock(ctx, id, delta)
}

func (s *Store) IncrementBalance(ctx context.Context, id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	return s.direct().IncrementBalance(ctx, id, delta)
}

func (s *Store) SetProductActive(ctx context.Context, id ledger.ProductID, active bool) (ledger.Product, error) {
	return s.direct().SetProductActive(ctx, id, active)
}

func (s *Store) SetVendorActive(ctx context.Context, id ledger.VendorID, active bool) (ledger.Vendor, error) {
	return s.direct().SetVendorActive(ctx, id, active)
}

func (s *Store) SetIncomingActive(ctx context.Context, id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	return s.direct().SetIncomingActive(ctx, id, active)
}

func (s *Store) SetPaymentActive(ctx context.Context, id ledger.PaymentID, active bool) (ledger.Payment, error) {
	return s.direct().SetPaymentActive(ctx, id, active)
}

func (s *Store) ReplaceIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	return s.direct().ReplaceIncoming(ctx, a)
}

// =============================================================================
// ERRORS
// =============================================================================

func classify(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w: %w", what, ledger.ErrDuplicateID, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", what, ledger.ErrTransactionAborted, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%s: %w: %w", what, ledger.ErrStoreUnavailable, err)
	case hasLabel(err, "TransientTransactionError"), hasLabel(err, "UnknownTransactionCommitResult"):
		return fmt.Errorf("%s: %w: %w", what, ledger.ErrTransactionAborted, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func hasLabel(err error, label string) bool {
	var le mongo.LabeledError
	return errors.As(err, &le) && le.HasErrorLabel(label)
}
