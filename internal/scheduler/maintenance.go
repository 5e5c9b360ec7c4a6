package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/yieldrouter/internal/database"
)

// Job is a maintenance task run on a cron schedule
type Job interface {
	Run() error
	Name() string
}

// Maintenance runs housekeeping jobs beside the control loop
type Maintenance struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewMaintenance creates a stopped maintenance scheduler
func NewMaintenance(log zerolog.Logger) *Maintenance {
	return &Maintenance{
		cron: cron.New(),
		log:  log.With().Str("component", "maintenance").Logger(),
	}
}

// Start starts the scheduler
func (m *Maintenance) Start() {
	m.cron.Start()
	m.log.Info().Msg("Maintenance scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info().Msg("Maintenance scheduler stopped")
}

// AddJob registers a job with a standard five-field cron schedule
// or a descriptor such as "@hourly" or "@every 30s"
func (m *Maintenance) AddJob(schedule string, job Job) error {
	_, err := m.cron.AddFunc(schedule, func() {
		m.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(); err != nil {
			m.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		} else {
			m.log.Debug().Str("job", job.Name()).Msg("Job completed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, job.Name(), err)
	}

	m.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// Entries returns the number of registered jobs
func (m *Maintenance) Entries() int {
	return len(m.cron.Entries())
}

// WALCheckpointJob truncates the database WAL
type WALCheckpointJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewWALCheckpointJob creates the job
func NewWALCheckpointJob(db *database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{db: db, log: log.With().Str("job", "wal_checkpoint").Logger()}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run executes the checkpoint
func (j *WALCheckpointJob) Run() error {
	if j.db == nil {
		return nil
	}
	before, _ := j.db.GetStats()
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}
	if before != nil {
		j.log.Info().Int64("wal_bytes_before", before.WALSizeBytes).Msg("WAL checkpoint completed")
	}
	return nil
}

// IntegrityCheckJob runs SQLite's integrity check
type IntegrityCheckJob struct {
	db      *database.DB
	timeout time.Duration
	log     zerolog.Logger
}

// NewIntegrityCheckJob creates the job
func NewIntegrityCheckJob(db *database.DB, log zerolog.Logger) *IntegrityCheckJob {
	return &IntegrityCheckJob{
		db:      db,
		timeout: 5 * time.Minute,
		log:     log.With().Str("job", "integrity_check").Logger(),
	}
}

// Name returns the job name
func (j *IntegrityCheckJob) Name() string {
	return "integrity_check"
}

// Run executes the check. Corruption cannot be repaired automatically and
// is reported as an error.
func (j *IntegrityCheckJob) Run() error {
	if j.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Msg("Database integrity check failed")
		return err
	}
	j.log.Debug().Msg("Database integrity OK")
	return nil
}
