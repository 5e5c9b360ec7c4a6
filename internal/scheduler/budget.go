package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// BudgetUsage is a snapshot of the current day's consumption
type BudgetUsage struct {
	ResetAt       time.Time       `json:"reset_at"`
	GasUSD        decimal.Decimal `json:"gas_usd"`
	MaxGasUSD     decimal.Decimal `json:"max_gas_usd"`
	Rebalances    int             `json:"rebalances"`
	MaxRebalances int             `json:"max_rebalances"`
}

// Budget enforces the daily rebalance and gas limits. Counters only grow
// until the next boundary of the cron schedule, where both reset to zero.
type Budget struct {
	mu            sync.Mutex
	schedule      cron.Schedule
	maxRebalances int
	maxGasUSD     decimal.Decimal
	rebalances    int
	gasUSD        decimal.Decimal
	resetAt       time.Time
	now           func() time.Time
}

// NewBudget creates a budget whose day ends at each firing of spec
// (standard five-field cron, e.g. "0 0 * * *" for midnight local time).
func NewBudget(spec string, maxRebalances int, maxGasUSD decimal.Decimal, now func() time.Time) (*Budget, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid daily reset schedule %q: %w", spec, err)
	}
	if now == nil {
		now = time.Now
	}
	b := &Budget{
		schedule:      schedule,
		maxRebalances: maxRebalances,
		maxGasUSD:     maxGasUSD,
		gasUSD:        decimal.Zero,
		now:           now,
	}
	b.resetAt = schedule.Next(now())
	return b, nil
}

// Allow reports whether one more execution costing estimatedGasUSD fits in
// today's budget. It satisfies execution.BudgetGuard.
func (b *Budget) Allow(estimatedGasUSD decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if err := b.exhausted(); err != nil {
		return err
	}
	if b.gasUSD.Add(estimatedGasUSD).GreaterThan(b.maxGasUSD) {
		return fmt.Errorf("estimated gas $%s would exceed remaining $%s: %w",
			estimatedGasUSD.StringFixed(2), b.maxGasUSD.Sub(b.gasUSD).StringFixed(2), domain.ErrBudgetExhausted)
	}
	return nil
}

// Exhausted returns a non-nil error once either daily maximum has been hit
func (b *Budget) Exhausted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.exhausted()
}

// Record books an execution's outcome. Gas counts whether or not the
// execution succeeded; only successful executions count as rebalances.
func (b *Budget) Record(exec *domain.RebalanceExecution) {
	if exec == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if exec.TotalGasCostUSD.IsPositive() {
		b.gasUSD = b.gasUSD.Add(exec.TotalGasCostUSD)
	}
	if exec.Success {
		b.rebalances++
	}
}

// Usage returns today's counters
func (b *Budget) Usage() BudgetUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return BudgetUsage{
		ResetAt:       b.resetAt,
		GasUSD:        b.gasUSD,
		MaxGasUSD:     b.maxGasUSD,
		Rebalances:    b.rebalances,
		MaxRebalances: b.maxRebalances,
	}
}

func (b *Budget) exhausted() error {
	if b.rebalances >= b.maxRebalances {
		return fmt.Errorf("%d of %d rebalances used: %w", b.rebalances, b.maxRebalances, domain.ErrBudgetExhausted)
	}
	if b.gasUSD.GreaterThanOrEqual(b.maxGasUSD) {
		return fmt.Errorf("$%s of $%s gas used: %w",
			b.gasUSD.StringFixed(2), b.maxGasUSD.StringFixed(2), domain.ErrBudgetExhausted)
	}
	return nil
}

// rollover resets the counters once the boundary has passed. Caller holds mu.
func (b *Budget) rollover() {
	now := b.now()
	if now.Before(b.resetAt) {
		return
	}
	b.rebalances = 0
	b.gasUSD = decimal.Zero
	b.resetAt = b.schedule.Next(now)
}
