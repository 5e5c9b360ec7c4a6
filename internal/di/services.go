package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/yieldrouter/internal/archive"
	"github.com/aristath/yieldrouter/internal/config"
	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/metrics"
	"github.com/aristath/yieldrouter/internal/modules/execution"
	"github.com/aristath/yieldrouter/internal/modules/optimizer"
	"github.com/aristath/yieldrouter/internal/modules/profitability"
	"github.com/aristath/yieldrouter/internal/modules/risk"
	"github.com/aristath/yieldrouter/internal/modules/scanner"
	"github.com/aristath/yieldrouter/internal/modules/strategy"
	"github.com/aristath/yieldrouter/internal/scheduler"
	"github.com/aristath/yieldrouter/internal/store"
	"github.com/aristath/yieldrouter/internal/venue"
	"github.com/aristath/yieldrouter/internal/venue/paper"
)

// InitializeRepositories creates the SQLite-backed stores
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil || container.DB == nil {
		return fmt.Errorf("container database not initialized")
	}
	container.PositionRepo = store.NewPositionRepository(container.DB.Conn(), log)
	container.AuditRepo = store.NewAuditRepository(container.DB.Conn(), log)
	return nil
}

// InitializeVenues configures the paper venues and mirrors stored positions
// into their deposits
func InitializeVenues(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	ledger := paper.NewLedger()
	ledger.SetGasCostUSD(cfg.Paper.GasUSD)

	venues, err := paper.Configure(ledger, cfg.Paper.Venues, cfg.Paper.WalletBalances)
	if err != nil {
		return err
	}
	if len(venues) == 0 {
		return fmt.Errorf("no venues configured")
	}

	positions, err := container.PositionRepo.ActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	ledger.SeedFromPositions(positions)

	registry := venue.NewRegistry()
	names := make([]string, 0, len(venues))
	for _, v := range venues {
		registry.Register(v)
		names = append(names, v.Name())
	}

	container.Ledger = ledger
	container.Signer = paper.NewSigner(ledger)
	container.Registry = registry

	log.Info().
		Strs("venues", names).
		Int("positions", len(positions)).
		Msg("Paper venues configured")
	return nil
}

// InitializeServices builds the decision pipeline, the executor and the controller
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container.Registry == nil {
		return fmt.Errorf("venues not initialized")
	}

	if container.Metrics == nil {
		container.Metrics = metrics.New()
	}

	container.Scanner = scanner.NewScanner(container.Registry, scanner.Config{
		VenueTimeout: cfg.Scanner.VenueTimeout,
		Breaker: scanner.BreakerConfig{
			FailureThreshold: cfg.Scanner.FailureThreshold,
			Window:           cfg.Scanner.FailureWindow,
			Cooldown:         cfg.Scanner.Cooldown,
		},
	}, container.Metrics, log)

	container.Gate = profitability.NewGate(profitability.Thresholds{
		MinAnnualGainUSD: cfg.Gate.MinAnnualGainUSD,
		MaxBreakEvenDays: cfg.Gate.MaxBreakEvenDays,
		MaxCostFraction:  cfg.Gate.MaxCostFraction,
	})
	container.Costs = profitability.StaticCostModel{
		GasWithdrawUSD: cfg.Costs.GasWithdrawUSD,
		GasApproveUSD:  cfg.Costs.GasApproveUSD,
		GasSwapUSD:     cfg.Costs.GasSwapUSD,
		GasDepositUSD:  cfg.Costs.GasDepositUSD,
		SlippageBps:    cfg.Costs.SlippageBps,
	}

	container.Assessor = risk.NewAssessor(risk.Config{
		VenueRatings:     cfg.Risk.VenueRatings,
		DefaultRating:    cfg.Risk.DefaultRating,
		TVLFloorUSD:      cfg.Risk.TVLFloorUSD,
		TVLComfortUSD:    cfg.Risk.TVLComfortUSD,
		HighUtilization:  cfg.Risk.HighUtilization,
		SwapPenalty:      cfg.Risk.SwapPenalty,
		TargetVenueCount: cfg.Risk.TargetVenueCount,
	})

	pricer := strategy.DefaultPricer()
	strat, err := strategy.New(cfg.Strategy.Name, strategy.Config{
		MinAPYImprovement:  cfg.Strategy.MinAPYImprovement,
		MinRebalanceUSD:    cfg.Strategy.MinRebalanceUSD,
		MaxConcentration:   cfg.Strategy.MaxConcentration,
		NewCapitalVenues:   cfg.Strategy.NewCapitalVenues,
		ProtocolFeePercent: cfg.Gate.ProtocolFeePercent,
		AllowHighRisk:      cfg.Risk.AllowHighRisk,
	}, container.Gate, container.Costs, container.Assessor, pricer, log)
	if err != nil {
		return err
	}
	container.Strategy = strat

	sinks := store.MultiSink{container.AuditRepo}
	if cfg.Archive.Enabled() {
		uploader, err := archive.NewS3Uploader(ctx, archive.Options{
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("failed to create archive uploader: %w", err)
		}
		container.Archiver = archive.NewArchiver(uploader, cfg.Archive.Bucket, cfg.Archive.Prefix, log)
		container.Backup = archive.NewBackupJob(uploader, cfg.Archive.Bucket, cfg.Archive.Prefix, container.DB, cfg.DataDir, log)
		sinks = append(sinks, container.Archiver)
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Audit archive enabled")
	}

	container.Orchestrator = optimizer.NewOrchestrator(
		container.Scanner,
		container.Registry,
		strat,
		sinks,
		cfg.Controller.ExtraTokens,
		log,
	)

	container.Executor = execution.NewExecutor(
		container.Registry,
		container.Signer,
		container.Ledger,
		container.Gate,
		container.Costs,
		pricer,
		execution.Config{
			MaxTxValueUSD:      cfg.Executor.MaxTxValueUSD,
			VerifyTolerance:    cfg.Executor.VerifyTolerance,
			ProtocolFeePercent: cfg.Gate.ProtocolFeePercent,
			StepTimeout:        cfg.Executor.StepTimeout,
			ReadRetries:        cfg.Executor.ReadRetries,
			ReadRetryDelay:     cfg.Executor.ReadRetryDelay,
		},
		log,
	)

	budget, err := scheduler.NewBudget(
		cfg.Controller.DailyResetSpec,
		cfg.Controller.MaxRebalancesPerDay,
		cfg.Controller.MaxGasUSDPerDay,
		time.Now,
	)
	if err != nil {
		return err
	}
	container.Budget = budget
	container.Executor.SetBudgetGuard(budget)

	// Executions are audited by the controller; the orchestrator only records recommendations.
	container.Controller = scheduler.NewController(
		container.PositionRepo,
		container.Orchestrator,
		container.Executor,
		budget,
		sinks,
		container.Metrics,
		scheduler.Config{
			ScanInterval:        cfg.Controller.ScanInterval,
			ErrorBackoff:        cfg.Controller.ErrorBackoff,
			RunDuration:         cfg.Controller.RunDuration,
			ExecutionTimeout:    cfg.Controller.ExecutionTimeout,
			RecentErrorCapacity: cfg.Controller.RecentErrorCapacity,
		},
		log,
	)

	log.Info().
		Str("strategy", strat.Name()).
		Int("max_rebalances_per_day", cfg.Controller.MaxRebalancesPerDay).
		Str("max_gas_usd_per_day", cfg.Controller.MaxGasUSDPerDay.String()).
		Msg("Services initialized")
	return nil
}

// PaperPositions records manually opened positions and mirrors them into the
// paper ledger so the executor sees the deposit
type PaperPositions struct {
	repo   *store.PositionRepository
	ledger *paper.Ledger
}

// NewPaperPositions creates the adapter
func NewPaperPositions(repo *store.PositionRepository, ledger *paper.Ledger) *PaperPositions {
	return &PaperPositions{repo: repo, ledger: ledger}
}

// All returns every stored position
func (p *PaperPositions) All(ctx context.Context) ([]domain.Position, error) {
	return p.repo.All(ctx)
}

// Open records the position and sets the venue deposit to its new total
func (p *PaperPositions) Open(ctx context.Context, venueName, token string, amount, apy decimal.Decimal) (domain.Position, error) {
	pos, err := p.repo.Open(ctx, venueName, token, amount, apy)
	if err != nil {
		return domain.Position{}, err
	}
	p.ledger.SetDeposit(pos.Venue, pos.Token, pos.Amount)
	return pos, nil
}
