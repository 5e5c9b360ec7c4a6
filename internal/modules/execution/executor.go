// Package execution carries out a single rebalance recommendation.
//
// The executor runs a strictly sequential state machine:
//
//	VALIDATION -> BALANCE_CHECK -> [WITHDRAW] -> APPROVE -> DEPOSIT -> VERIFICATION
//
// and ends in exactly one of SUCCESS or FAILED. Reads are retried within a
// bound; writes are submitted once and, when the outcome is unknown, resolved
// by re-reading on-chain state instead of resubmitting.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/modules/profitability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// VenueSource resolves venue clients by name
type VenueSource interface {
	Get(name string) (domain.VenueClient, error)
}

// Pricer converts token amounts to USD
type Pricer interface {
	PriceUSD(token string) (decimal.Decimal, bool)
}

// BudgetGuard rejects executions once the daily budget is used up.
// Implementations return an error wrapping domain.ErrBudgetExhausted.
type BudgetGuard interface {
	Allow(estimatedGasUSD decimal.Decimal) error
}

// Config bounds the executor
type Config struct {
	MaxTxValueUSD      decimal.Decimal
	VerifyTolerance    decimal.Decimal // fraction of amount
	ProtocolFeePercent decimal.Decimal
	StepTimeout        time.Duration
	ReadRetries        int
	ReadRetryDelay     time.Duration
}

// Executor runs rebalance executions
type Executor struct {
	venues VenueSource
	signer domain.TransactionSigner
	wallet domain.Wallet
	gate   *profitability.Gate
	costs  profitability.CostModel
	pricer Pricer
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	budget   BudgetGuard
	inflight map[string]struct{}

	log zerolog.Logger
}

// NewExecutor creates an executor
func NewExecutor(
	venues VenueSource,
	signer domain.TransactionSigner,
	wallet domain.Wallet,
	gate *profitability.Gate,
	costs profitability.CostModel,
	pricer Pricer,
	cfg Config,
	log zerolog.Logger,
) *Executor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}
	return &Executor{
		venues:   venues,
		signer:   signer,
		wallet:   wallet,
		gate:     gate,
		costs:    costs,
		pricer:   pricer,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]struct{}),
		log:      log.With().Str("service", "executor").Logger(),
	}
}

// SetBudgetGuard installs the daily budget check used during validation
func (e *Executor) SetBudgetGuard(g BudgetGuard) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget = g
}

// SetClock overrides the time source for execution timestamps
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// run carries the state shared between steps of one execution
type run struct {
	exec     *domain.RebalanceExecution
	rec      domain.RebalanceRecommendation
	source   domain.VenueClient // nil for a fresh deposit
	dest     domain.VenueClient
	sizeUSD  decimal.Decimal
	approved bool // this execution granted an allowance
	withdrew bool
	stranded bool // withdrawn funds never reached the destination
}

// Execute runs rec through the state machine. The returned record is terminal.
func (e *Executor) Execute(ctx context.Context, rec domain.RebalanceRecommendation) *domain.RebalanceExecution {
	exec := &domain.RebalanceExecution{
		ID:              uuid.NewString(),
		Recommendation:  rec,
		StartedAt:       e.now(),
		InitialBalances: make(map[string]decimal.Decimal),
		FinalBalances:   make(map[string]decimal.Decimal),
		Steps:           make([]domain.StepResult, 0, 6),
	}
	r := &run{exec: exec, rec: rec}
	log := e.log.With().
		Str("execution_id", exec.ID).
		Str("recommendation_id", rec.ID).
		Str("from", rec.SourceVenue).
		Str("to", rec.DestinationVenue).
		Str("token", rec.Token).
		Str("amount", rec.Amount.String()).
		Logger()

	key := rec.DestinationVenue + "/" + rec.Token
	if !e.acquire(key) {
		err := fmt.Errorf("execution already in progress for %s", key)
		e.record(exec, domain.StepResult{Step: domain.StepValidation, Error: err.Error()})
		return e.finish(log, r, fmt.Errorf("validation: %w", err))
	}
	defer e.release(key)

	if err := e.validate(ctx, r); err != nil {
		e.record(exec, domain.StepResult{Step: domain.StepValidation, Error: err.Error()})
		return e.finish(log, r, fmt.Errorf("validation: %w", err))
	}
	e.record(exec, domain.StepResult{Step: domain.StepValidation, Success: true})

	if err := e.balanceCheck(ctx, r); err != nil {
		e.record(exec, domain.StepResult{Step: domain.StepBalanceCheck, Error: err.Error()})
		return e.finish(log, r, fmt.Errorf("balance check: %w", err))
	}
	e.record(exec, domain.StepResult{Step: domain.StepBalanceCheck, Success: true})

	steps := []struct {
		step domain.ExecutionStep
		fn   func(context.Context, *run) domain.StepResult
	}{
		{domain.StepWithdraw, e.withdraw},
		{domain.StepApprove, e.approve},
		{domain.StepDeposit, e.deposit},
		{domain.StepVerification, e.verify},
	}
	for _, s := range steps {
		if s.step == domain.StepWithdraw && r.source == nil {
			continue
		}
		res := s.fn(ctx, r)
		e.record(exec, res)
		if !res.Success {
			e.rollback(ctx, log, r, s.step)
			return e.finish(log, r, fmt.Errorf("%s: %s", strings.ToLower(string(s.step)), res.Error))
		}
	}

	return e.finish(log, r, nil)
}

func (e *Executor) validate(ctx context.Context, r *run) error {
	rec := r.rec
	if !rec.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", rec.Amount)
	}
	if rec.DestinationVenue == "" || rec.DestinationVenue == rec.SourceVenue {
		return fmt.Errorf("destination %q must be set and differ from source", rec.DestinationVenue)
	}

	dest, err := e.venues.Get(rec.DestinationVenue)
	if err != nil {
		return err
	}
	r.dest = dest
	if rec.SourceVenue != "" {
		source, err := e.venues.Get(rec.SourceVenue)
		if err != nil {
			return err
		}
		r.source = source
	}

	price, ok := e.pricer.PriceUSD(rec.Token)
	if !ok {
		return fmt.Errorf("no USD price for %s", rec.Token)
	}
	r.sizeUSD = rec.Amount.Mul(price)
	if e.cfg.MaxTxValueUSD.IsPositive() && r.sizeUSD.GreaterThan(e.cfg.MaxTxValueUSD) {
		return fmt.Errorf("value $%s exceeds per-transaction limit $%s", r.sizeUSD.StringFixed(2), e.cfg.MaxTxValueUSD)
	}

	costs := e.costs.Estimate(profitability.Move{SizeUSD: r.sizeUSD, NewDeposit: r.source == nil, RequiresSwap: rec.RequiresSwap})
	e.mu.Lock()
	budget := e.budget
	e.mu.Unlock()
	if budget != nil {
		if err := budget.Allow(costs.Total(rec.RequiresSwap)); err != nil {
			return err
		}
	}

	// yields may have moved since the recommendation was produced
	destQuote, err := readWithRetry(ctx, e, func(ctx context.Context) (domain.YieldQuote, error) {
		return r.dest.ReadYield(ctx, rec.Token)
	})
	if err != nil {
		return fmt.Errorf("fresh destination quote: %w", err)
	}
	current := decimal.Zero
	if r.source != nil {
		srcQuote, err := readWithRetry(ctx, e, func(ctx context.Context) (domain.YieldQuote, error) {
			return r.source.ReadYield(ctx, rec.Token)
		})
		if err != nil {
			return fmt.Errorf("fresh source quote: %w", err)
		}
		current = srcQuote.SupplyAPY
	}
	prof := e.gate.Evaluate(profitability.Input{
		CurrentAPY:         current,
		TargetAPY:          destQuote.SupplyAPY,
		PositionSizeUSD:    r.sizeUSD,
		ProtocolFeePercent: e.cfg.ProtocolFeePercent,
		RequiresSwap:       rec.RequiresSwap,
		Costs:              costs,
	})
	if !prof.IsProfitable {
		return fmt.Errorf("no longer profitable: %s", strings.Join(prof.RejectionReasons, "; "))
	}
	return nil
}

func (e *Executor) balanceCheck(ctx context.Context, r *run) error {
	balances, err := e.readBalances(ctx, r)
	if err != nil {
		return err
	}
	r.exec.InitialBalances = balances

	if r.source != nil {
		if held := balances[r.rec.SourceVenue]; held.LessThan(r.rec.Amount) {
			return fmt.Errorf("source holds %s, below amount %s", held, r.rec.Amount)
		}
	} else if idle := balances[domain.BalanceWallet]; idle.LessThan(r.rec.Amount) {
		return fmt.Errorf("wallet holds %s, below amount %s", idle, r.rec.Amount)
	}
	return nil
}

func (e *Executor) readBalances(ctx context.Context, r *run) (map[string]decimal.Decimal, error) {
	token := r.rec.Token
	out := make(map[string]decimal.Decimal, 3)

	idle, err := readWithRetry(ctx, e, func(ctx context.Context) (decimal.Decimal, error) {
		return e.wallet.Balance(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	out[domain.BalanceWallet] = idle

	for _, c := range []domain.VenueClient{r.source, r.dest} {
		if c == nil {
			continue
		}
		bal, err := readWithRetry(ctx, e, func(ctx context.Context) (decimal.Decimal, error) {
			return c.ReadBalance(ctx, token)
		})
		if err != nil {
			return nil, fmt.Errorf("%s balance: %w", c.Name(), err)
		}
		out[c.Name()] = bal
	}
	return out, nil
}

func (e *Executor) withdraw(ctx context.Context, r *run) domain.StepResult {
	res := e.submit(ctx, domain.StepWithdraw, func(ctx context.Context) (domain.TxRequest, error) {
		return r.source.BuildWithdraw(ctx, r.rec.Token, r.rec.Amount)
	}, func(ctx context.Context) (bool, error) {
		bal, err := r.source.ReadBalance(ctx, r.rec.Token)
		if err != nil {
			return false, err
		}
		moved := r.exec.InitialBalances[r.rec.SourceVenue].Sub(bal)
		return e.within(moved, r.rec.Amount), nil
	})
	r.withdrew = res.Success
	return res
}

func (e *Executor) approve(ctx context.Context, r *run) domain.StepResult {
	allowance, err := readWithRetry(ctx, e, func(ctx context.Context) (decimal.Decimal, error) {
		return r.dest.ReadAllowance(ctx, r.rec.Token)
	})
	if err != nil {
		return domain.StepResult{Step: domain.StepApprove, Error: fmt.Sprintf("read allowance: %v", err)}
	}
	if allowance.GreaterThanOrEqual(r.rec.Amount) {
		return domain.StepResult{
			Step:    domain.StepApprove,
			Success: true,
			Note:    fmt.Sprintf("existing allowance %s covers amount", allowance),
		}
	}

	res := e.submit(ctx, domain.StepApprove, func(ctx context.Context) (domain.TxRequest, error) {
		return r.dest.BuildApprove(ctx, r.rec.Token, r.rec.Amount)
	}, func(ctx context.Context) (bool, error) {
		got, err := r.dest.ReadAllowance(ctx, r.rec.Token)
		if err != nil {
			return false, err
		}
		return got.GreaterThanOrEqual(r.rec.Amount), nil
	})
	r.approved = res.Success
	return res
}

func (e *Executor) deposit(ctx context.Context, r *run) domain.StepResult {
	return e.submit(ctx, domain.StepDeposit, func(ctx context.Context) (domain.TxRequest, error) {
		return r.dest.BuildDeposit(ctx, r.rec.Token, r.rec.Amount)
	}, func(ctx context.Context) (bool, error) {
		bal, err := r.dest.ReadBalance(ctx, r.rec.Token)
		if err != nil {
			return false, err
		}
		added := bal.Sub(r.exec.InitialBalances[r.rec.DestinationVenue])
		return e.within(added, r.rec.Amount), nil
	})
}

func (e *Executor) verify(ctx context.Context, r *run) domain.StepResult {
	res := domain.StepResult{Step: domain.StepVerification}
	final, err := e.readBalances(ctx, r)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	r.exec.FinalBalances = final

	initial := r.exec.InitialBalances
	added := final[r.rec.DestinationVenue].Sub(initial[r.rec.DestinationVenue])
	if !e.within(added, r.rec.Amount) {
		res.Error = fmt.Sprintf("destination increased by %s, expected %s", added, r.rec.Amount)
		return res
	}
	if r.source != nil {
		removed := initial[r.rec.SourceVenue].Sub(final[r.rec.SourceVenue])
		if !e.within(removed, r.rec.Amount) {
			res.Error = fmt.Sprintf("source decreased by %s, expected %s", removed, r.rec.Amount)
			return res
		}
	}
	res.Success = true
	return res
}

// submit sends one write. A timeout leaves the outcome unknown, so landed
// re-reads chain state to decide; the request is never resubmitted.
func (e *Executor) submit(
	ctx context.Context,
	step domain.ExecutionStep,
	build func(context.Context) (domain.TxRequest, error),
	landed func(context.Context) (bool, error),
) domain.StepResult {
	res := domain.StepResult{Step: step}

	buildCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	req, err := build(buildCtx)
	cancel()
	if err != nil {
		res.Error = fmt.Sprintf("build: %v", err)
		return res
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	receipt, err := e.signer.Submit(submitCtx, req)
	cancel()
	if err == nil {
		res.Success = true
		res.TxReference = receipt.Reference
		res.GasUsed = receipt.GasUsed
		res.GasCostUSD = receipt.GasCostUSD
		return res
	}

	if !domain.IsAmbiguous(err) {
		res.Error = err.Error()
		return res
	}

	ok, checkErr := readWithRetry(ctx, e, landed)
	switch {
	case checkErr != nil:
		res.Error = fmt.Sprintf("%v; outcome unknown, state re-check failed: %v", err, checkErr)
	case ok:
		res.Success = true
		res.Note = fmt.Sprintf("confirmation failed (%v) but chain state shows the transaction landed", err)
	default:
		res.Error = fmt.Sprintf("%v; chain state shows the transaction did not land", err)
	}
	return res
}

// rollback compensates for a failed step. An allowance granted by this
// execution is revoked when the deposit fails. Withdrawn funds are left in the
// wallet: redepositing is an operator decision.
func (e *Executor) rollback(ctx context.Context, log zerolog.Logger, r *run, failed domain.ExecutionStep) {
	if failed == domain.StepDeposit && r.approved {
		action := domain.RollbackAction{Description: fmt.Sprintf("revoke %s allowance on %s", r.rec.Token, r.rec.DestinationVenue)}
		res := e.submit(ctx, domain.StepApprove, func(ctx context.Context) (domain.TxRequest, error) {
			return r.dest.BuildApprove(ctx, r.rec.Token, decimal.Zero)
		}, func(ctx context.Context) (bool, error) {
			got, err := r.dest.ReadAllowance(ctx, r.rec.Token)
			return err == nil && got.IsZero(), err
		})
		action.Success = res.Success
		action.TxReference = res.TxReference
		action.GasUsed = res.GasUsed
		action.GasCostUSD = res.GasCostUSD
		action.Error = res.Error
		r.exec.Rollback = append(r.exec.Rollback, action)
	}

	if r.withdrew && (failed == domain.StepApprove || failed == domain.StepDeposit) {
		r.stranded = true
		log.Error().
			Str("wallet_token", r.rec.Token).
			Str("amount", r.rec.Amount.String()).
			Str("original_venue", r.rec.SourceVenue).
			Msg("OPERATOR ACTION REQUIRED: withdrawn funds are held in the wallet and were not redeposited")
	}
}

func (e *Executor) finish(log zerolog.Logger, r *run, failure error) *domain.RebalanceExecution {
	exec := r.exec
	exec.CompletedAt = e.now()

	total := decimal.Zero
	var gas uint64
	for _, s := range exec.Steps {
		total = total.Add(s.GasCostUSD)
		gas += s.GasUsed
	}
	for _, a := range exec.Rollback {
		total = total.Add(a.GasCostUSD)
		gas += a.GasUsed
	}
	exec.TotalGasCostUSD = total
	exec.TotalGasUsed = gas

	if failure != nil {
		exec.State = domain.ExecutionFailed
		exec.FailureReason = failure.Error()
		if r.stranded {
			exec.FailureReason += "; withdrawn funds remain in wallet"
		}
		level := zerolog.WarnLevel
		if exec.TouchedChain() {
			level = zerolog.ErrorLevel
		}
		log.WithLevel(level).
			Str("reason", exec.FailureReason).
			Str("gas_usd", total.String()).
			Bool("budget", errors.Is(failure, domain.ErrBudgetExhausted)).
			Msg("Rebalance failed")
		return exec
	}

	exec.State = domain.ExecutionSuccess
	exec.Success = true
	log.Info().
		Str("gas_usd", total.String()).
		Uint64("gas_used", gas).
		Dur("elapsed", exec.CompletedAt.Sub(exec.StartedAt)).
		Msg("Rebalance executed")
	return exec
}

func (e *Executor) record(exec *domain.RebalanceExecution, res domain.StepResult) {
	exec.Steps = append(exec.Steps, res)
}

// within reports |got - want| <= tolerance * want
func (e *Executor) within(got, want decimal.Decimal) bool {
	return got.Sub(want).Abs().LessThanOrEqual(want.Mul(e.cfg.VerifyTolerance))
}

func (e *Executor) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

// readWithRetry runs an idempotent read with a per-attempt timeout, retrying
// only errors classified as retryable.
func readWithRetry[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var last error
	for attempt := 0; attempt <= e.cfg.ReadRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(e.cfg.ReadRetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, errors.Join(last, ctx.Err())
			case <-timer.C:
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		last = err
		if !domain.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return zero, last
}
