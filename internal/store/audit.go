package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/yieldrouter/internal/database"
	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// AuditRepository keeps every recommendation and execution
type AuditRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB, log zerolog.Logger) *AuditRepository {
	return &AuditRepository{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// RecordRecommendations stores a batch of recommendations. Re-recording an ID
// is ignored.
func (r *AuditRepository) RecordRecommendations(ctx context.Context, recs []domain.RebalanceRecommendation) error {
	if len(recs) == 0 {
		return nil
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO recommendations
			(id, created_at, strategy, source_venue, destination_venue, token, amount,
			 expected_apy, current_apy, confidence, reason, profitability)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare recommendation insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range recs {
			record := toRecommendationRecord(rec)
			blob, err := msgpack.Marshal(&record.Profitability)
			if err != nil {
				return fmt.Errorf("failed to encode profitability for %s: %w", rec.ID, err)
			}
			var current sql.NullString
			if rec.CurrentAPY != nil {
				current = sql.NullString{String: rec.CurrentAPY.String(), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				rec.ID, rec.CreatedAt.Unix(), rec.Strategy, rec.SourceVenue, rec.DestinationVenue, rec.Token,
				rec.Amount.String(), rec.ExpectedAPY.String(), current, rec.ConfidenceScore, rec.Reason, blob,
			); err != nil {
				return fmt.Errorf("failed to insert recommendation %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// RecordExecution stores or replaces an execution
func (r *AuditRepository) RecordExecution(ctx context.Context, exec *domain.RebalanceExecution) error {
	blob, err := EncodeExecution(exec)
	if err != nil {
		return err
	}
	rec := exec.Recommendation
	_, err = r.db.ExecContext(ctx, `INSERT OR REPLACE INTO executions
		(id, recommendation_id, state, started_at, completed_at, source_venue, destination_venue,
		 token, amount, total_gas_usd, total_gas_used, failure_reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, rec.ID, string(exec.State), exec.StartedAt.UnixNano(), exec.CompletedAt.UnixNano(),
		rec.SourceVenue, rec.DestinationVenue, rec.Token, rec.Amount.String(),
		exec.TotalGasCostUSD.String(), int64(exec.TotalGasUsed), exec.FailureReason, blob)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", exec.ID, err)
	}
	r.log.Debug().Str("execution_id", exec.ID).Str("state", string(exec.State)).Msg("Execution recorded")
	return nil
}

// RecentExecutions returns up to limit executions, newest first
func (r *AuditRepository) RecentExecutions(ctx context.Context, limit int) ([]*domain.RebalanceExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT detail FROM executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.RebalanceExecution, 0)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec, err := DecodeExecution(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// CountRecommendations returns the number of stored recommendations
func (r *AuditRepository) CountRecommendations(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recommendations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count recommendations: %w", err)
	}
	return n, nil
}

// MultiSink fans audit records out to several sinks. Every sink is called;
// the returned error joins all failures.
type MultiSink []domain.AuditSink

// RecordRecommendations implements domain.AuditSink
func (m MultiSink) RecordRecommendations(ctx context.Context, recs []domain.RebalanceRecommendation) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordRecommendations(ctx, recs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordExecution implements domain.AuditSink
func (m MultiSink) RecordExecution(ctx context.Context, exec *domain.RebalanceExecution) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordExecution(ctx, exec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
