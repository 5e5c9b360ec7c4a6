package paper

import (
	"context"
	"sync"

	"github.com/aristath/yieldrouter/internal/domain"
)

type failure struct {
	err        error
	applyFirst bool
}

// Signer submits paper transactions against a Ledger
type Signer struct {
	ledger *Ledger

	mu        sync.Mutex
	failNext  map[domain.TxKind]failure
	submitted []domain.TxRequest
}

// NewSigner creates a signer for ledger
func NewSigner(ledger *Ledger) *Signer {
	return &Signer{ledger: ledger, failNext: make(map[domain.TxKind]failure)}
}

// FailNext makes the next submission of kind return err without applying it
func (s *Signer) FailNext(kind domain.TxKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[kind] = failure{err: err}
}

// LandThenFail makes the next submission of kind apply on the ledger but still
// return err, as when confirmation times out after the transaction was mined.
func (s *Signer) LandThenFail(kind domain.TxKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[kind] = failure{err: err, applyFirst: true}
}

// Submitted returns every request seen, in order
func (s *Signer) Submitted() []domain.TxRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TxRequest, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// Submit applies req to the ledger
func (s *Signer) Submit(ctx context.Context, req domain.TxRequest) (domain.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxReceipt{}, domain.NewVenueError(req.Venue, string(req.Kind), domain.ErrKindTimeout, err)
	}

	s.mu.Lock()
	s.submitted = append(s.submitted, req)
	f, injected := s.failNext[req.Kind]
	delete(s.failNext, req.Kind)
	s.mu.Unlock()

	if injected && !f.applyFirst {
		return domain.TxReceipt{}, f.err
	}
	receipt, err := s.ledger.apply(req)
	if injected {
		return domain.TxReceipt{}, f.err
	}
	return receipt, err
}
