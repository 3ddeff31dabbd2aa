package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

type productDoc struct {
	OID    primitive.ObjectID `bson:"_id,omitempty"`
	ID     string             `bson:"id"`
	Name   string             `bson:"name"`
	Active bool               `bson:"active"`
	Stock  int64              `bson:"stock"`
}

type vendorDoc struct {
	OID     primitive.ObjectID   `bson:"_id,omitempty"`
	ID      string               `bson:"id"`
	Name    string               `bson:"name"`
	Active  bool                 `bson:"active"`
	Balance primitive.Decimal128 `bson:"balance"`
}

type incomingDoc struct {
	OID         primitive.ObjectID   `bson:"_id,omitempty"`
	ID          string               `bson:"id"`
	Qty         int64                `bson:"qty"`
	PricePerPcs primitive.Decimal128 `bson:"pricePerPcs"`
	PriceTotal  primitive.Decimal128 `bson:"priceTotal"`
	Date        string               `bson:"date"`
	Notes       string               `bson:"notes"`
	Product     string               `bson:"product"`
	Vendor      string               `bson:"vendor"`
	Active      bool                 `bson:"active"`
	ProductName string               `bson:"productName"`
	VendorName  string               `bson:"vendorName"`
}

type paymentDoc struct {
	OID        primitive.ObjectID   `bson:"_id,omitempty"`
	ID         string               `bson:"id"`
	Amount     primitive.Decimal128 `bson:"amount"`
	Date       string               `bson:"date"`
	Notes      string               `bson:"notes"`
	Vendor     string               `bson:"vendor"`
	Active     bool                 `bson:"active"`
	VendorName string               `bson:"vendorName"`
}

// toD128 converts d exactly or fails with a ValidationError naming field.
func toD128(field string, d decimal.Decimal) (primitive.Decimal128, error) {
	v, ok := primitive.ParseDecimal128FromBigInt(d.Coefficient(), int(d.Exponent()))
	if !ok {
		return primitive.Decimal128{}, &ledger.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("%s does not fit in %d significant digits", d, ledger.MaxMoneyDigits),
		}
	}
	return v, nil
}

func fromD128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt money value %q: %w", v.String(), err)
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt date %q: %w", s, err)
	}
	return t, nil
}

func fromProduct(p ledger.Product) productDoc {
	return productDoc{ID: string(p.ID), Name: p.Name, Active: p.Active, Stock: p.Stock}
}

func (d productDoc) toLedger() (ledger.Product, error) {
	return ledger.Product{ID: ledger.ProductID(d.ID), Name: d.Name, Active: d.Active, Stock: d.Stock}, nil
}

func fromVendor(v ledger.Vendor) (vendorDoc, error) {
	bal, err := toD128("balance", v.Balance)
	return vendorDoc{ID: string(v.ID), Name: v.Name, Active: v.Active, Balance: bal}, err
}

func (d vendorDoc) toLedger() (ledger.Vendor, error) {
	bal, err := fromD128(d.Balance)
	return ledger.Vendor{ID: ledger.VendorID(d.ID), Name: d.Name, Active: d.Active, Balance: bal}, err
}

func fromIncoming(a ledger.IncomingAction) (incomingDoc, error) {
	price, err := toD128("pricePerPcs", a.PricePerPcs)
	if err != nil {
		return incomingDoc{}, err
	}
	total, err := toD128("priceTotal", a.PriceTotal)
	if err != nil {
		return incomingDoc{}, err
	}
	return incomingDoc{
		ID:          string(a.ID),
		Qty:         a.Qty,
		PricePerPcs: price,
		PriceTotal:  total,
		Date:        a.Date.UTC().Format(ledger.DateLayout),
		Notes:       a.Notes,
		Product:     string(a.Product),
		Vendor:      string(a.Vendor),
		Active:      a.Active,
		ProductName: a.ProductName,
		VendorName:  a.VendorName,
	}, nil
}

func (d incomingDoc) toLedger() (ledger.IncomingAction, error) {
	a := ledger.IncomingAction{
		ID:          ledger.ActionID(d.ID),
		Qty:         d.Qty,
		Notes:       d.Notes,
		Product:     ledger.ProductID(d.Product),
		Vendor:      ledger.VendorID(d.Vendor),
		Active:      d.Active,
		ProductName: d.ProductName,
		VendorName:  d.VendorName,
	}
	var err error
	if a.PricePerPcs, err = fromD128(d.PricePerPcs); err != nil {
		return a, err
	}
	if a.PriceTotal, err = fromD128(d.PriceTotal); err != nil {
		return a, err
	}
	a.Date, err = parseDate(d.Date)
	return a, err
}

func fromPayment(p ledger.Payment) (paymentDoc, error) {
	amount, err := toD128("amount", p.Amount)
	if err != nil {
		return paymentDoc{}, err
	}
	return paymentDoc{
		ID:         string(p.ID),
		Amount:     amount,
		Date:       p.Date.UTC().Format(ledger.DateLayout),
		Notes:      p.Notes,
		Vendor:     string(p.Vendor),
		Active:     p.Active,
		VendorName: p.VendorName,
	}, nil
}

func (d paymentDoc) toLedger() (ledger.Payment, error) {
	p := ledger.Payment{
		ID:         ledger.PaymentID(d.ID),
		Notes:      d.Notes,
		Vendor:     ledger.VendorID(d.Vendor),
		Active:     d.Active,
		VendorName: d.VendorName,
	}
	var err error
	if p.Amount, err = fromD128(d.Amount); err != nil {
		return p, err
	}
	p.Date, err = parseDate(d.Date)
	return p, err
}

// =============================================================================
// CONN - ledger.Store, optionally bound to a session
// =============================================================================

type conn struct {
	db   *mongo.Database
	sess mongo.Session
}

// bind attaches the session so the operation joins the open transaction.
func (c *conn) bind(ctx context.Context) context.Context {
	if c.sess == nil {
		return ctx
	}
	return mongo.NewSessionContext(ctx, c.sess)
}

func (c *conn) insert(ctx context.Context, coll, what string, doc any) error {
	_, err := c.db.Collection(coll).InsertOne(c.bind(ctx), doc)
	return classify(what, err)
}

func (c *conn) InsertProduct(ctx context.Context, p ledger.Product) error {
	return c.insert(ctx, productsCollection, "insert product "+string(p.ID), fromProduct(p))
}

func (c *conn) InsertVendor(ctx context.Context, v ledger.Vendor) error {
	doc, err := fromVendor(v)
	if err != nil {
		return err
	}
	return c.insert(ctx, vendorsCollection, "insert vendor "+string(v.ID), doc)
}

func (c *conn) InsertIncoming(ctx context.Context, a ledger.IncomingAction) error {
	doc, err := fromIncoming(a)
	if err != nil {
		return err
	}
	return c.insert(ctx, incomingCollection, "insert incoming "+string(a.ID), doc)
}

func (c *conn) InsertPayment(ctx context.Context, p ledger.Payment) error {
	doc, err := fromPayment(p)
	if err != nil {
		return err
	}
	return c.insert(ctx, paymentsCollection, "insert payment "+string(p.ID), doc)
}

// decoder is satisfied by every *Doc type.
type decoder[T any] interface {
	toLedger() (T, error)
}

func findOne[D decoder[T], T any](ctx context.Context, c *conn, coll, what string, id string) (T, error) {
	var doc D
	err := c.db.Collection(coll).FindOne(c.bind(ctx), bson.D{{Key: "id", Value: id}}).Decode(&doc)
	if err != nil {
		var zero T
		return zero, classify(what, err)
	}
	return doc.toLedger()
}

func updateOne[D decoder[T], T any](ctx context.Context, c *conn, coll, what, id string, update bson.D, after bool) (T, error) {
	rd := options.Before
	if after {
		rd = options.After
	}
	var doc D
	err := c.db.Collection(coll).FindOneAndUpdate(c.bind(ctx),
		bson.D{{Key: "id", Value: id}}, update,
		options.FindOneAndUpdate().SetReturnDocument(rd),
	).Decode(&doc)
	if err != nil {
		var zero T
		return zero, classify(what, err)
	}
	return doc.toLedger()
}

func findAll[D decoder[T], T any](ctx context.Context, c *conn, coll, what string, filter bson.D, limit int) ([]T, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.db.Collection(coll).Find(c.bind(ctx), filter, opts)
	if err != nil {
		return nil, classify(what, err)
	}
	var docs []D
	if err := cur.All(c.bind(ctx), &docs); err != nil {
		return nil, classify(what, err)
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := d.toLedger()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *conn) FindProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return findOne[productDoc, ledger.Product](ctx, c, productsCollection, "product "+string(id), string(id))
}

func (c *conn) FindVendor(ctx context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	return findOne[vendorDoc, ledger.Vendor](ctx, c, vendorsCollection, "vendor "+string(id), string(id))
}

func (c *conn) FindIncoming(ctx context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	return findOne[incomingDoc, ledger.IncomingAction](ctx, c, incomingCollection, "incoming "+string(id), string(id))
}

func (c *conn) FindPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	return findOne[paymentDoc, ledger.Payment](ctx, c, paymentsCollection, "payment "+string(id), string(id))
}

func (c *conn) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	return findAll[productDoc, ledger.Product](ctx, c, productsCollection, "list products", bson.D{}, 0)
}

func (c *conn) ListVendors(ctx context.Context) ([]ledger.Vendor, error) {
	return findAll[vendorDoc, ledger.Vendor](ctx, c, vendorsCollection, "list vendors", bson.D{}, 0)
}

func (c *conn) ListIncoming(ctx context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	filter := bson.D{}
	if f.Product != nil {
		filter = append(filter, bson.E{Key: "product", Value: string(*f.Product)})
	}
	if f.Vendor != nil {
		filter = append(filter, bson.E{Key: "vendor", Value: string(*f.Vendor)})
	}
	if f.Active != nil {
		filter = append(filter, bson.E{Key: "active", Value: *f.Active})
	}
	return findAll[incomingDoc, ledger.IncomingAction](ctx, c, incomingCollection, "list incoming", filter, f.Limit)
}

func (c *conn) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	filter := bson.D{}
	if f.Vendor != nil {
		filter = append(filter, bson.E{Key: "vendor", Value: string(*f.Vendor)})
	}
	if f.Active != nil {
		filter = append(filter, bson.E{Key: "active", Value: *f.Active})
	}
	return findAll[paymentDoc, ledger.Payment](ctx, c, paymentsCollection, "list payments", filter, f.Limit)
}

func (c *conn) IncrementStock(ctx context.Context, id ledger.ProductID, delta int64) (ledger.Product, error) {
	return updateOne[productDoc, ledger.Product](ctx, c, productsCollection, "increment stock "+string(id), string(id),
		bson.D{{Key: "$inc", Value: bson.D{{Key: "stock", Value: delta}}}}, true)
}

func (c *conn) IncrementBalance(ctx context.Context, id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	inc, err := toD128("balance", delta)
	if err != nil {
		return ledger.Vendor{}, err
	}
	return updateOne[vendorDoc, ledger.Vendor](ctx, c, vendorsCollection, "increment balance "+string(id), string(id),
		bson.D{{Key: "$inc", Value: bson.D{{Key: "balance", Value: inc}}}}, true)
}

func setActive(active bool) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: active}}}}
}

func (c *conn) SetProductActive(ctx context.Context, id ledger.ProductID, active bool) (ledger.Product, error) {
	return updateOne[productDoc, ledger.Product](ctx, c, productsCollection, "set product active "+string(id), string(id), setActive(active), false)
}

func (c *conn) SetVendorActive(ctx context.Context, id ledger.VendorID, active bool) (ledger.Vendor, error) {
	return updateOne[vendorDoc, ledger.Vendor](ctx, c, vendorsCollection, "set vendor active "+string(id), string(id), setActive(active), false)
}

func (c *conn) SetIncomingActive(ctx context.Context, id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	return updateOne[incomingDoc, ledger.IncomingAction](ctx, c, incomingCollection, "set incoming active "+string(id), string(id), setActive(active), false)
}

func (c *conn) SetPaymentActive(ctx context.Context, id ledger.PaymentID, active bool) (ledger.Payment, error) {
	return updateOne[paymentDoc, ledger.Payment](ctx, c, paymentsCollection, "set payment active "+string(id), string(id), setActive(active), false)
}

func (c *conn) ReplaceIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	d, err := fromIncoming(a)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	set := bson.D{
		{Key: "qty", Value: d.Qty},
		{Key: "pricePerPcs", Value: d.PricePerPcs},
		{Key: "priceTotal", Value: d.PriceTotal},
		{Key: "date", Value: d.Date},
		{Key: "notes", Value: d.Notes},
		{Key: "product", Value: d.Product},
		{Key: "vendor", Value: d.Vendor},
		{Key: "active", Value: d.Active},
		{Key: "productName", Value: d.ProductName},
		{Key: "vendorName", Value: d.VendorName},
	}
	return updateOne[incomingDoc, ledger.IncomingAction](ctx, c, incomingCollection, "replace incoming "+d.ID, d.ID,
		bson.D{{Key: "$set", Value: set}}, false)
}
