package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/shopspring/decimal"
)

// Venue is a paper venue backed by a Ledger
type Venue struct {
	name   string
	ledger *Ledger

	mu        sync.Mutex
	yieldErr  error
	hang      bool
	readCalls int
}

// NewVenue creates a venue reading from ledger
func NewVenue(name string, ledger *Ledger) *Venue {
	return &Venue{name: name, ledger: ledger}
}

// Name returns the venue identifier
func (v *Venue) Name() string {
	return v.name
}

// FailYield makes every ReadYield return err until cleared with nil
func (v *Venue) FailYield(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.yieldErr = err
}

// Hang makes ReadYield block until its context is done
func (v *Venue) Hang(hang bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hang = hang
}

// ReadCalls returns how many times ReadYield was invoked
func (v *Venue) ReadCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readCalls
}

// ReadYield returns the venue's current market for token
func (v *Venue) ReadYield(ctx context.Context, token string) (domain.YieldQuote, error) {
	v.mu.Lock()
	v.readCalls++
	hang, yieldErr := v.hang, v.yieldErr
	v.mu.Unlock()

	if hang {
		<-ctx.Done()
		return domain.YieldQuote{}, domain.NewVenueError(v.name, "read_yield", domain.ErrKindTimeout, ctx.Err())
	}
	if yieldErr != nil {
		return domain.YieldQuote{}, yieldErr
	}

	m, now, ok := v.ledger.market(v.name, token)
	if !ok {
		return domain.YieldQuote{}, domain.NewVenueError(v.name, "read_yield", domain.ErrKindRejected,
			fmt.Errorf("token %s not listed", token))
	}
	return domain.YieldQuote{
		ObservedAt:       now,
		Venue:            v.name,
		Token:            token,
		SupplyAPY:        m.APY,
		TotalValueLocked: m.TVL,
		Utilization:      m.Utilization,
	}, nil
}

// ReadBalance returns the wallet's deposit in this venue
func (v *Venue) ReadBalance(ctx context.Context, token string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, domain.NewVenueError(v.name, "read_balance", domain.ErrKindTimeout, err)
	}
	return v.ledger.Deposit(v.name, token), nil
}

// ReadAllowance returns the allowance granted to this venue
func (v *Venue) ReadAllowance(ctx context.Context, token string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, domain.NewVenueError(v.name, "read_allowance", domain.ErrKindTimeout, err)
	}
	return v.ledger.Allowance(v.name, token), nil
}

// BuildWithdraw builds a withdrawal request
func (v *Venue) BuildWithdraw(_ context.Context, token string, amount decimal.Decimal) (domain.TxRequest, error) {
	return v.build(domain.TxWithdraw, token, amount), nil
}

// BuildApprove builds an allowance request
func (v *Venue) BuildApprove(_ context.Context, token string, amount decimal.Decimal) (domain.TxRequest, error) {
	return v.build(domain.TxApprove, token, amount), nil
}

// BuildDeposit builds a deposit request
func (v *Venue) BuildDeposit(_ context.Context, token string, amount decimal.Decimal) (domain.TxRequest, error) {
	return v.build(domain.TxDeposit, token, amount), nil
}

func (v *Venue) build(kind domain.TxKind, token string, amount decimal.Decimal) domain.TxRequest {
	return domain.TxRequest{
		Venue:  v.name,
		Kind:   kind,
		Token:  token,
		To:     "paper:" + v.name,
		Amount: amount,
	}
}
