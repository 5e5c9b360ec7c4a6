package di

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/yieldrouter/internal/config"
	"github.com/aristath/yieldrouter/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("YIELDROUTER_DATA_DIR", t.TempDir())
	t.Setenv("STRATEGY", "yield_max")
	t.Setenv("PAPER_VENUES", "aave:USDC:3.27:900000000:0.72,compound:USDC:5.00:400000000:0.81")
	t.Setenv("PAPER_WALLET", "USDC:0")
	t.Setenv("ARCHIVE_S3_BUCKET", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestWire_BuildsEveryComponent(t *testing.T) {
	cfg := testConfig(t)

	container, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })

	assert.NotNil(t, container.DB)
	assert.NotNil(t, container.PositionRepo)
	assert.NotNil(t, container.AuditRepo)
	assert.Equal(t, []string{"aave", "compound"}, container.Registry.Names())
	assert.NotNil(t, container.Scanner)
	assert.Equal(t, "yield_max", container.Strategy.Name())
	assert.NotNil(t, container.Executor)
	assert.NotNil(t, container.Controller)
	assert.Nil(t, container.Archiver)
	assert.Equal(t, 2, container.Maintenance.Entries())
	assert.False(t, container.Controller.Running())
}

func TestWire_RejectsBadVenueConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paper.Venues = "aave:USDC:not-a-number:1:0.5"

	_, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venues")
}

func TestWire_CycleMovesPositionAndSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	container, err := Wire(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)

	positions := NewPaperPositions(container.PositionRepo, container.Ledger)
	_, err = positions.Open(ctx, "aave", "USDC", decimal.NewFromInt(10000), decimal.RequireFromString("3.27"))
	require.NoError(t, err)
	assert.True(t, container.Ledger.Deposit("aave", "USDC").Equal(decimal.NewFromInt(10000)))

	execs, err := container.Controller.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Success, execs[0].FailureReason)
	assert.Equal(t, domain.ExecutionSuccess, execs[0].State)

	active, err := container.PositionRepo.ActivePositions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "compound", active[0].Venue)
	assert.True(t, active[0].Amount.Equal(decimal.NewFromInt(10000)))

	history, err := container.AuditRepo.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execs[0].ID, history[0].ID)

	recs, err := container.AuditRepo.CountRecommendations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recs)

	status := container.Controller.Status()
	assert.Equal(t, 1, status.TotalRebalancesExecuted)
	assert.Equal(t, 1, status.Budget.Rebalances)

	require.NoError(t, container.Close())

	// a fresh process seeds the paper ledger from stored positions
	restarted, err := Wire(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { restarted.Close() })

	assert.True(t, restarted.Ledger.Deposit("compound", "USDC").Equal(decimal.NewFromInt(10000)))
	assert.True(t, restarted.Ledger.Deposit("aave", "USDC").IsZero())

	execs, err = restarted.Controller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs)
}
