// Package di wires the application's components together.
package di

import (
	"github.com/aristath/yieldrouter/internal/archive"
	"github.com/aristath/yieldrouter/internal/database"
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

// Container holds every long-lived component. It is built by Wire.
type Container struct {
	// Database
	DB *database.DB // positions, recommendations and executions

	// Repositories
	PositionRepo *store.PositionRepository
	AuditRepo    *store.AuditRepository

	// Venues
	Ledger   *paper.Ledger // paper-trading chain state
	Signer   *paper.Signer
	Registry *venue.Registry

	// Decision pipeline
	Metrics      *metrics.Collector
	Scanner      *scanner.Scanner
	Gate         *profitability.Gate
	Costs        profitability.CostModel
	Assessor     *risk.Assessor
	Strategy     strategy.Strategy
	Orchestrator *optimizer.Orchestrator
	Executor     *execution.Executor
	Budget       *scheduler.Budget
	Controller   *scheduler.Controller

	// Audit
	Archiver *archive.Archiver  // nil unless an archive bucket is configured
	Backup   *archive.BackupJob // nil unless an archive bucket is configured

	// Maintenance
	Maintenance *scheduler.Maintenance
}

// Close releases resources held by the container
func (c *Container) Close() error {
	if c.Maintenance != nil {
		c.Maintenance.Stop()
	}
	if c.Controller != nil {
		c.Controller.Stop()
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
