/*
engine.go - The ledger consistency engine

PURPOSE:
  Applies a transaction-document mutation and its aggregate side effects
  as one atomic unit. Aggregates never reflect a partially applied
  transaction: any failing sub-write aborts the whole TxStore.WithTx unit.

OPERATIONS:
  RecordIncoming   insert action, stock += qty, balance += priceTotal
  EditIncoming     replace action, reconcile deltas only if old was active
  VoidIncoming     active=false, stock -= qty, balance -= priceTotal
  RestoreIncoming  active=true,  stock += qty, balance += priceTotal
  RecordPayment    insert payment, balance -= amount
  VoidPayment      active=false, balance += amount
  RestorePayment   active=true,  balance -= amount

COMMON CONTRACT:
  1. A Caller must be present in the context (ErrUnauthorized otherwise),
     checked before any store access.
  2. The stored document is authoritative. If the caller's copy disagrees
     with it on an aggregate-driving field, the unit aborts with
     ErrStaleRecord instead of applying deltas computed from stale data.
  3. Void on an inactive record and restore on an active one are no-ops
     that succeed without writing.
  4. A record can only become active against active products/vendors.
  5. No retries. The caller decides.

SEE ALSO:
  - effect.go:  the delta formulas
  - catalog.go: product/vendor lifecycle and the deletion guard
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/warp/stock-ledger/ledger"

// =============================================================================
// ENGINE
// =============================================================================

// Engine executes ledger operations against a TxStore. It holds no
// persistent state and is safe for concurrent use.
type Engine struct {
	store  TxStore
	log    zerolog.Logger
	tracer trace.Tracer
	ops    metric.Int64Counter
	newID  func() string
	today  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithIDGenerator overrides uuid-based id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithClock overrides the clock used to default empty dates.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.today = fn }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		log:    zerolog.Nop(),
		tracer: otel.Tracer(instrumentationName),
		newID:  uuid.NewString,
		today:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter("ledger.operations",
		metric.WithDescription("Ledger operations by outcome"))
	if err != nil {
		e.log.Warn().Err(err).Msg("ledger operation counter unavailable")
		counter = noop.Int64Counter{}
	}
	e.ops = counter
	return e
}

// run wraps one operation with the caller check, a span, the outcome counter
// and a log line.
func (e *Engine) run(ctx context.Context, op Operation, id string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "ledger."+string(op),
		trace.WithAttributes(attribute.String("ledger.id", id)))
	defer span.End()

	caller, err := requireCaller(ctx)
	if err == nil {
		err = fn(ctx)
	}

	outcome := "committed"
	if err != nil {
		outcome = ErrorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Warn().Str("op", string(op)).Str("id", id).Str("caller", caller.String()).
			Err(err).Msg("ledger operation failed")
	} else {
		ev := e.log.Debug()
		if op.mutates() {
			ev = e.log.Info()
		}
		ev.Str("op", string(op)).Str("id", id).Str("caller", caller.String()).Msg("ledger operation committed")
	}
	e.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", string(op)),
		attribute.String("outcome", outcome),
	))
	return err
}

// =============================================================================
// INCOMING ACTIONS
// =============================================================================

// RecordIncoming inserts a new active action and applies its effect.
func (e *Engine) RecordIncoming(ctx context.Context, a IncomingAction) (IncomingAction, error) {
	if a.ID == "" {
		a.ID = ActionID(e.newID())
	}
	if a.Date.IsZero() {
		a.Date = e.today()
	}
	a.Date = truncateDate(a.Date)
	a.Active = true
	a = a.WithDerived()

	err := e.run(ctx, OpRecordIncoming, string(a.ID), func(ctx context.Context) error {
		if err := validateIncoming(a); err != nil {
			return err
		}
		return e.store.WithTx(ctx, func(s Store) error {
			p, v, err := loadRefs(ctx, s, OpRecordIncoming, a.Product, a.Vendor, true)
			if err != nil {
				return err
			}
			a.ProductName, a.VendorName = p.Name, v.Name

			if err := s.InsertIncoming(ctx, a); err != nil {
				return &StepError{Op: OpRecordIncoming, Step: StepInsert, ID: string(a.ID), Err: err}
			}
			return applyEffect(ctx, s, OpRecordIncoming, RecordIncomingEffect(a))
		})
	})
	if err != nil {
		return IncomingAction{}, err
	}
	return a, nil
}

// EditIncoming replaces the stored action with newA. oldA is the caller's
// copy of the record being edited. An oldA without product and vendor
// means "whatever is stored". Aggregate deltas are applied only when the stored record is
// active; editing a voided record only rewrites its fields.
func (e *Engine) EditIncoming(ctx context.Context, newA, oldA IncomingAction) (IncomingAction, error) {
	if newA.Date.IsZero() {
		newA.Date = e.today()
	}
	newA.Date = truncateDate(newA.Date)
	newA = newA.WithDerived()

	err := e.run(ctx, OpEditIncoming, string(newA.ID), func(ctx context.Context) error {
		if newA.ID == "" {
			return &ValidationError{Field: "id", Reason: "required"}
		}
		if oldA.ID != "" && oldA.ID != newA.ID {
			return &ValidationError{Field: "id", Reason: "old and new records differ"}
		}
		if err := validateIncoming(newA); err != nil {
			return err
		}

		return e.store.WithTx(ctx, func(s Store) error {
			stored, err := s.FindIncoming(ctx, newA.ID)
			if err != nil {
				return &StepError{Op: OpEditIncoming, Step: StepDocumentUpdate, ID: string(newA.ID), Err: err}
			}
			if oldA.describesEffect() && (oldA.Active != stored.Active || !oldA.sameTerms(stored)) {
				return &StepError{Op: OpEditIncoming, Step: StepDocumentUpdate, ID: string(newA.ID), Err: ErrStaleRecord}
			}

			// Activation is owned by void/restore.
			newA.Active = stored.Active

			p, v, err := loadRefs(ctx, s, OpEditIncoming, newA.Product, newA.Vendor, stored.Active)
			if err != nil {
				return err
			}
			newA.ProductName, newA.VendorName = p.Name, v.Name

			if _, err := s.ReplaceIncoming(ctx, newA); err != nil {
				return &StepError{Op: OpEditIncoming, Step: StepDocumentUpdate, ID: string(newA.ID), Err: err}
			}
			return applyEffect(ctx, s, OpEditIncoming, EditIncomingEffect(newA, stored))
		})
	})
	if err != nil {
		return IncomingAction{}, err
	}
	return newA, nil
}

// VoidIncoming soft-deletes an action and reverses its effect.
func (e *Engine) VoidIncoming(ctx context.Context, a IncomingAction) (IncomingAction, error) {
	return e.toggleIncoming(ctx, OpVoidIncoming, a, false)
}

// RestoreIncoming reactivates a voided action and reapplies its effect.
func (e *Engine) RestoreIncoming(ctx context.Context, a IncomingAction) (IncomingAction, error) {
	return e.toggleIncoming(ctx, OpRestoreIncoming, a, true)
}

func (e *Engine) toggleIncoming(ctx context.Context, op Operation, a IncomingAction, active bool) (IncomingAction, error) {
	var result IncomingAction
	err := e.run(ctx, op, string(a.ID), func(ctx context.Context) error {
		if a.ID == "" {
			return &ValidationError{Field: "id", Reason: "required"}
		}
		return e.store.WithTx(ctx, func(s Store) error {
			stored, err := s.FindIncoming(ctx, a.ID)
			if err != nil {
				return &StepError{Op: op, Step: StepDocumentUpdate, ID: string(a.ID), Err: err}
			}
			if a.describesEffect() && !a.sameTerms(stored) {
				return &StepError{Op: op, Step: StepDocumentUpdate, ID: string(a.ID), Err: ErrStaleRecord}
			}
			result = stored
			if stored.Active == active {
				return nil
			}

			effect := VoidIncomingEffect(stored)
			if active {
				if _, _, err := loadRefs(ctx, s, op, stored.Product, stored.Vendor, true); err != nil {
					return err
				}
				effect = RestoreIncomingEffect(stored)
			}

			if _, err := s.SetIncomingActive(ctx, a.ID, active); err != nil {
				return &StepError{Op: op, Step: StepDocumentUpdate, ID: string(a.ID), Err: err}
			}
			if err := applyEffect(ctx, s, op, effect); err != nil {
				return err
			}
			result.Active = active
			return nil
		})
	})
	if err != nil {
		return IncomingAction{}, err
	}
	return result, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment inserts a new active payment and credits the vendor.
func (e *Engine) RecordPayment(ctx context.Context, p Payment) (Payment, error) {
	if p.ID == "" {
		p.ID = PaymentID(e.newID())
	}
	if p.Date.IsZero() {
		p.Date = e.today()
	}
	p.Date = truncateDate(p.Date)
	p.Active = true

	err := e.run(ctx, OpRecordPayment, string(p.ID), func(ctx context.Context) error {
		if err := validatePayment(p); err != nil {
			return err
		}
		return e.store.WithTx(ctx, func(s Store) error {
			v, err := loadVendor(ctx, s, OpRecordPayment, p.Vendor, true)
			if err != nil {
				return err
			}
			p.VendorName = v.Name

			if err := s.InsertPayment(ctx, p); err != nil {
				return &StepError{Op: OpRecordPayment, Step: StepInsert, ID: string(p.ID), Err: err}
			}
			return applyEffect(ctx, s, OpRecordPayment, RecordPaymentEffect(p))
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// VoidPayment soft-deletes a payment and adds its amount back to the balance.
func (e *Engine) VoidPayment(ctx context.Context, p Payment) (Payment, error) {
	return e.togglePayment(ctx, OpVoidPayment, p, false)
}

// RestorePayment reactivates a voided payment.
func (e *Engine) RestorePayment(ctx context.Context, p Payment) (Payment, error) {
	return e.togglePayment(ctx, OpRestorePayment, p, true)
}

func (e *Engine) togglePayment(ctx context.Context, op Operation, p Payment, active bool) (Payment, error) {
	var result Payment
	err := e.run(ctx, op, string(p.ID), func(ctx context.Context) error {
		if p.ID == "" {
			return &ValidationError{Field: "id", Reason: "required"}
		}
		return e.store.WithTx(ctx, func(s Store) error {
			stored, err := s.FindPayment(ctx, p.ID)
			if err != nil {
				return &StepError{Op: op, Step: StepDocumentUpdate, ID: string(p.ID), Err: err}
			}
			if p.describesEffect() && !p.sameTerms(stored) {
				return &StepError{Op: op, Step: StepDocumentUpdate, ID: string(p.ID), Err: ErrStaleRecord}
			}
			result = stored
			if stored.Active == active {
				return nil
			}

			effect := VoidPaymentEffect(stored)
			if active {
				if _, err := loadVendor(ctx, s, op, stored.Vendor, true); err != nil {
					return err
				}
				effect = RestorePaymentEffect(stored)
			}

			if _, err := s.SetPaymentActive(ctx, p.ID, active); err != nil {
				return &StepError{Op: op, Step: StepDocumentUpdate, ID: string(p.ID), Err: err}
			}
			if err := applyEffect(ctx, s, op, effect); err != nil {
				return err
			}
			result.Active = active
			return nil
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// applyEffect writes every delta of eff. Zero deltas are still written: the
// increment doubles as an existence check on the referenced document.
func applyEffect(ctx context.Context, s Store, op Operation, eff Effect) error {
	for _, d := range eff.Stock {
		if _, err := s.IncrementStock(ctx, d.Product, d.Qty); err != nil {
			return &StepError{Op: op, Step: StepProductUpdate, ID: string(d.Product), Err: err}
		}
	}
	for _, d := range eff.Balance {
		if _, err := s.IncrementBalance(ctx, d.Vendor, d.Amount); err != nil {
			return &StepError{Op: op, Step: StepVendorUpdate, ID: string(d.Vendor), Err: err}
		}
	}
	return nil
}

func loadRefs(ctx context.Context, s Store, op Operation, pid ProductID, vid VendorID, requireActive bool) (Product, Vendor, error) {
	p, err := s.FindProduct(ctx, pid)
	if err != nil {
		return Product{}, Vendor{}, &StepError{Op: op, Step: StepProductUpdate, ID: string(pid), Err: err}
	}
	if requireActive && !p.Active {
		return Product{}, Vendor{}, &StepError{Op: op, Step: StepProductUpdate, ID: string(pid), Err: ErrInactiveReference}
	}
	v, err := loadVendor(ctx, s, op, vid, requireActive)
	if err != nil {
		return Product{}, Vendor{}, err
	}
	return p, v, nil
}

func loadVendor(ctx context.Context, s Store, op Operation, vid VendorID, requireActive bool) (Vendor, error) {
	v, err := s.FindVendor(ctx, vid)
	if err != nil {
		return Vendor{}, &StepError{Op: op, Step: StepVendorUpdate, ID: string(vid), Err: err}
	}
	if requireActive && !v.Active {
		return Vendor{}, &StepError{Op: op, Step: StepVendorUpdate, ID: string(vid), Err: ErrInactiveReference}
	}
	return v, nil
}

func validateIncoming(a IncomingAction) error {
	switch {
	case strings.TrimSpace(string(a.Product)) == "":
		return &ValidationError{Field: "product", Reason: "required"}
	case strings.TrimSpace(string(a.Vendor)) == "":
		return &ValidationError{Field: "vendor", Reason: "required"}
	case a.Qty <= 0:
		return &ValidationError{Field: "qty", Reason: "must be positive"}
	case a.PricePerPcs.IsNegative():
		return &ValidationError{Field: "pricePerPcs", Reason: "must not be negative"}
	}
	if err := ValidateMoney("pricePerPcs", a.PricePerPcs); err != nil {
		return err
	}
	return ValidateMoney("priceTotal", a.PriceTotal)
}

func validatePayment(p Payment) error {
	switch {
	case strings.TrimSpace(string(p.Vendor)) == "":
		return &ValidationError{Field: "vendor", Reason: "required"}
	case !p.Amount.IsPositive():
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return ValidateMoney("amount", p.Amount)
}

// truncateDate keeps the calendar date in UTC.
func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
