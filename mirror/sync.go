package mirror

import (
	"context"

	"github.com/warp/stock-ledger/ledger"
)

// Remote runs the seven ledger operations. *ledger.Engine and
// *client.Client both implement it.
type Remote interface {
	RecordIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error)
	EditIncoming(ctx context.Context, newA, oldA ledger.IncomingAction) (ledger.IncomingAction, error)
	VoidIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error)
	RestoreIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error)
	RecordPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error)
	VoidPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error)
	RestorePayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error)
}

// Sync applies each operation to the mirror first, then to the remote,
// and settles the pending change with the remote's answer. On success the
// local document is replaced with the remote's copy.
type Sync struct {
	mirror *Mirror
	remote Remote
}

func NewSync(m *Mirror, remote Remote) *Sync {
	return &Sync{mirror: m, remote: remote}
}

func (s *Sync) Mirror() *Mirror { return s.mirror }

func (s *Sync) RecordIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	tok, projected, err := s.mirror.RecordIncoming(a)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	got, err := s.remote.RecordIncoming(ctx, projected)
	return got, s.settleIncoming(tok, got, err)
}

func (s *Sync) EditIncoming(ctx context.Context, newA ledger.IncomingAction) (ledger.IncomingAction, error) {
	tok, projected, old, err := s.mirror.EditIncoming(newA)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	got, err := s.remote.EditIncoming(ctx, projected, old)
	return got, s.settleIncoming(tok, got, err)
}

func (s *Sync) VoidIncoming(ctx context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	tok, old, err := s.mirror.VoidIncoming(id)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	got, err := s.remote.VoidIncoming(ctx, old)
	return got, s.settleIncoming(tok, got, err)
}

func (s *Sync) RestoreIncoming(ctx context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	tok, old, err := s.mirror.RestoreIncoming(id)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	got, err := s.remote.RestoreIncoming(ctx, old)
	return got, s.settleIncoming(tok, got, err)
}

func (s *Sync) RecordPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	tok, projected, err := s.mirror.RecordPayment(p)
	if err != nil {
		return ledger.Payment{}, err
	}
	got, err := s.remote.RecordPayment(ctx, projected)
	return got, s.settlePayment(tok, got, err)
}

func (s *Sync) VoidPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	tok, old, err := s.mirror.VoidPayment(id)
	if err != nil {
		return ledger.Payment{}, err
	}
	got, err := s.remote.VoidPayment(ctx, old)
	return got, s.settlePayment(tok, got, err)
}

func (s *Sync) RestorePayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	tok, old, err := s.mirror.RestorePayment(id)
	if err != nil {
		return ledger.Payment{}, err
	}
	got, err := s.remote.RestorePayment(ctx, old)
	return got, s.settlePayment(tok, got, err)
}

func (s *Sync) settleIncoming(tok Pending, got ledger.IncomingAction, err error) error {
	if err != nil {
		s.mirror.Rollback(tok)
		return err
	}
	s.mirror.Confirm(tok)
	s.mirror.AdoptIncoming(got)
	return nil
}

func (s *Sync) settlePayment(tok Pending, got ledger.Payment, err error) error {
	if err != nil {
		s.mirror.Rollback(tok)
		return err
	}
	s.mirror.Confirm(tok)
	s.mirror.AdoptPayment(got)
	return nil
}
