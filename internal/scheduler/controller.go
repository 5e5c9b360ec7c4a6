// Package scheduler runs the autonomous control loop. Each cycle loads
// positions, asks the orchestrator for recommendations and dispatches them to
// the executor one at a time within the daily budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrAlreadyRunning is returned by Start when the loop is active
var ErrAlreadyRunning = errors.New("controller already running")

// Config drives the control loop
type Config struct {
	ScanInterval        time.Duration
	ErrorBackoff        time.Duration
	RunDuration         time.Duration // 0 = until stopped
	ExecutionTimeout    time.Duration // 0 = executor step timeouts only
	RecentErrorCapacity int
}

// ErrorRecord is one entry of the recent-errors buffer
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Status is a snapshot of the controller. Rebalance and gas totals are
// today's figures and reset at the daily budget boundary.
type Status struct {
	StartedAt               time.Time       `json:"started_at"`
	LastScanAt              time.Time       `json:"last_scan_at"`
	NextScanAt              time.Time       `json:"next_scan_at"`
	Strategy                string          `json:"strategy"`
	RecentErrors            []ErrorRecord   `json:"recent_errors"`
	Budget                  BudgetUsage     `json:"budget"`
	TotalGasSpentUSD        decimal.Decimal `json:"total_gas_spent_usd"`
	TotalScans              int             `json:"total_scans"`
	TotalOpportunitiesFound int             `json:"total_opportunities_found"`
	TotalRebalancesExecuted int             `json:"total_rebalances_executed"`
	Running                 bool            `json:"running"`

	DailyResetAt           time.Time       `json:"daily_reset_at"`
	LifetimeRebalances     int             `json:"lifetime_rebalances"`
	LifetimeGasSpentUSD    decimal.Decimal `json:"lifetime_gas_spent_usd"`
	SkippedRecommendations int             `json:"skipped_recommendations"`
}

// Controller is the RUNNING/STOPPED control loop
type Controller struct {
	positions domain.PositionStore
	orch      OrchestratorInterface
	executor  ExecutorInterface
	budget    *Budget
	audit     domain.AuditSink
	metrics   *metrics.Collector
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger

	// cycleMu serialises cycles so the loop and RunOnce never dispatch concurrently
	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status
	recent  *Ring[ErrorRecord]
}

// NewController creates a stopped controller. audit and m may be nil.
func NewController(
	positions domain.PositionStore,
	orch OrchestratorInterface,
	executor ExecutorInterface,
	budget *Budget,
	audit domain.AuditSink,
	m *metrics.Collector,
	cfg Config,
	log zerolog.Logger,
) *Controller {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = cfg.ScanInterval
	}
	return &Controller{
		positions: positions,
		orch:      orch,
		executor:  executor,
		budget:    budget,
		audit:     audit,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		status:    Status{Strategy: orch.StrategyName(), TotalGasSpentUSD: decimal.Zero, LifetimeGasSpentUSD: decimal.Zero},
		recent:    NewRing[ErrorRecord](cfg.RecentErrorCapacity),
		log:       log.With().Str("service", "controller").Logger(),
	}
}

// Start launches the loop. The first scan runs immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var deadline time.Time
	started := c.now()
	if c.cfg.RunDuration > 0 {
		deadline = started.Add(c.cfg.RunDuration)
	}

	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status.StartedAt = started
	c.status.NextScanAt = started

	go c.loop(loopCtx, deadline, c.done)

	c.log.Info().
		Dur("interval", c.cfg.ScanInterval).
		Dur("run_duration", c.cfg.RunDuration).
		Str("strategy", c.status.Strategy).
		Msg("Controller started")
	return nil
}

// Stop ends the loop and waits for it to exit. An execution already in
// progress runs to completion; no new scan or dispatch starts afterwards.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.log.Info().Msg("Controller stopped")
}

// Running reports whether the loop is active
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// RunOnce runs a single cycle outside the timer
func (c *Controller) RunOnce(ctx context.Context) ([]*domain.RebalanceExecution, error) {
	return c.cycle(ctx)
}

// Status returns a copy of the controller state
func (c *Controller) Status() Status {
	usage := c.budget.Usage()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Running = c.running
	s.RecentErrors = c.recent.Items()
	s.Budget = usage
	s.TotalRebalancesExecuted = usage.Rebalances
	s.TotalGasSpentUSD = usage.GasUSD
	s.DailyResetAt = usage.ResetAt
	return s
}

func (c *Controller) loop(ctx context.Context, deadline time.Time, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.status.NextScanAt = time.Time{}
		c.mu.Unlock()
		close(done)
	}()

	for {
		if c.finished(ctx, deadline) {
			return
		}

		wait := c.cfg.ScanInterval
		if _, err := c.cycle(ctx); err != nil {
			wait = c.cfg.ErrorBackoff
		}

		next := c.now().Add(wait)
		if !deadline.IsZero() && next.After(deadline) {
			c.log.Info().Time("deadline", deadline).Msg("Run duration reached, not scheduling another scan")
			return
		}
		if c.finished(ctx, deadline) {
			return
		}

		c.mu.Lock()
		c.status.NextScanAt = next
		c.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// finished reports whether the loop must exit before starting new work
func (c *Controller) finished(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	if !deadline.IsZero() && !c.now().Before(deadline) {
		c.log.Info().Time("deadline", deadline).Msg("Run duration reached")
		return true
	}
	return false
}

func (c *Controller) cycle(ctx context.Context) ([]*domain.RebalanceExecution, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := c.now()
	positions, err := c.positions.ActivePositions(ctx)
	if err != nil {
		return nil, c.fail(fmt.Errorf("load positions: %w", err))
	}

	recs, err := c.orch.FindOpportunities(ctx, positions)
	if err != nil {
		return nil, c.fail(fmt.Errorf("find opportunities: %w", err))
	}

	c.mu.Lock()
	c.status.TotalScans++
	c.status.TotalOpportunitiesFound += len(recs)
	c.status.LastScanAt = start
	c.mu.Unlock()
	c.metrics.RecordScan(len(recs))

	executions := make([]*domain.RebalanceExecution, 0, len(recs))
	for i, rec := range recs {
		if ctx.Err() != nil {
			c.skip(recs[i:], "controller stopping")
			break
		}
		if err := c.budget.Exhausted(); err != nil {
			c.skip(recs[i:], err.Error())
			break
		}
		if !rec.Profitability.IsProfitable {
			c.log.Info().Str("recommendation_id", rec.ID).Msg("Recommendation not profitable, skipping")
			continue
		}
		executions = append(executions, c.dispatch(ctx, rec))
	}

	c.log.Info().
		Int("positions", len(positions)).
		Int("recommendations", len(recs)).
		Int("executions", len(executions)).
		Dur("elapsed", c.now().Sub(start)).
		Msg("Cycle complete")
	return executions, nil
}

// dispatch runs one execution on a context that survives Stop
func (c *Controller) dispatch(ctx context.Context, rec domain.RebalanceRecommendation) *domain.RebalanceExecution {
	execCtx, cancel := c.detached(ctx)
	defer cancel()

	exec := c.executor.Execute(execCtx, rec)
	c.budget.Record(exec)

	c.mu.Lock()
	c.status.LifetimeGasSpentUSD = c.status.LifetimeGasSpentUSD.Add(exec.TotalGasCostUSD)
	if exec.Success {
		c.status.LifetimeRebalances++
	}
	c.mu.Unlock()

	usage := c.budget.Usage()
	c.metrics.RecordExecution(string(exec.State), exec.CompletedAt.Sub(exec.StartedAt), exec.TotalGasCostUSD.InexactFloat64())
	c.metrics.SetDailyBudget(usage.Rebalances, usage.GasUSD.InexactFloat64())

	if !exec.Success {
		c.recordError(fmt.Sprintf("execution %s (%s -> %s) failed: %s",
			exec.ID, rec.SourceVenue, rec.DestinationVenue, exec.FailureReason))
	} else if err := c.positions.ApplyExecution(execCtx, exec); err != nil {
		c.recordError(fmt.Sprintf("apply execution %s to positions: %v", exec.ID, err))
	}

	if c.audit != nil {
		if err := c.audit.RecordExecution(execCtx, exec); err != nil {
			c.recordError(fmt.Sprintf("audit execution %s: %v", exec.ID, err))
		}
	}
	return exec
}

func (c *Controller) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if c.cfg.ExecutionTimeout > 0 {
		return context.WithTimeout(base, c.cfg.ExecutionTimeout)
	}
	return context.WithCancel(base)
}

func (c *Controller) skip(recs []domain.RebalanceRecommendation, reason string) {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	c.mu.Lock()
	c.status.SkippedRecommendations += len(recs)
	c.mu.Unlock()
	c.metrics.AddSkipped(len(recs))
	c.log.Warn().
		Int("skipped", len(recs)).
		Strs("recommendation_ids", ids).
		Str("reason", reason).
		Msg("Skipping remaining recommendations")
}

func (c *Controller) fail(err error) error {
	c.metrics.IncCycleErrors()
	c.recordError(err.Error())
	return err
}

func (c *Controller) recordError(msg string) {
	c.log.Error().Str("error", msg).Msg("Controller error")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent.Push(ErrorRecord{At: c.now(), Message: msg})
}
