// Package store persists positions and the recommendation/execution audit
// trail in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/yieldrouter/internal/database"
	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// dust below which a drained position is closed
var dust = decimal.New(1, -6)

// PositionRepository handles position database operations
type PositionRepository struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		now: time.Now,
		log: log.With().Str("repo", "position").Logger(),
	}
}

const positionColumns = `id, venue, token, amount, entry_apy, current_apy, status, opened_at, closed_at`

// ActivePositions returns every active position ordered by venue then token
func (r *PositionRepository) ActivePositions(ctx context.Context) ([]domain.Position, error) {
	return r.query(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = 'active' ORDER BY venue, token`)
}

// All returns every position, newest first
func (r *PositionRepository) All(ctx context.Context) ([]domain.Position, error) {
	return r.query(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY opened_at DESC, id DESC`)
}

// Open records capital placed in a venue outside the controller. An existing
// active position for the same venue and token is topped up.
func (r *PositionRepository) Open(ctx context.Context, venue, token string, amount, apy decimal.Decimal) (domain.Position, error) {
	if !amount.IsPositive() {
		return domain.Position{}, fmt.Errorf("position amount must be positive, got %s", amount)
	}
	var id int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var err error
		id, err = r.credit(ctx, tx, venue, token, amount, apy)
		return err
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("failed to open position: %w", err)
	}

	positions, err := r.query(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	if err != nil {
		return domain.Position{}, err
	}
	if len(positions) == 0 {
		return domain.Position{}, fmt.Errorf("position %d vanished after insert", id)
	}
	return positions[0], nil
}

// ApplyExecution moves the executed amount from the source position to the
// destination position. Failed executions leave positions untouched.
func (r *PositionRepository) ApplyExecution(ctx context.Context, exec *domain.RebalanceExecution) error {
	if exec == nil || !exec.Success {
		return nil
	}
	rec := exec.Recommendation

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if !rec.IsNewDeposit() {
			if err := r.debit(ctx, tx, rec.SourceVenue, rec.Token, rec.Amount); err != nil {
				return err
			}
		}
		_, err := r.credit(ctx, tx, rec.DestinationVenue, rec.Token, rec.Amount, rec.ExpectedAPY)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply execution %s: %w", exec.ID, err)
	}

	r.log.Info().
		Str("execution_id", exec.ID).
		Str("from", rec.SourceVenue).
		Str("to", rec.DestinationVenue).
		Str("amount", rec.Amount.String()).
		Msg("Positions updated")
	return nil
}

func (r *PositionRepository) debit(ctx context.Context, tx *sql.Tx, venue, token string, amount decimal.Decimal) error {
	var id int64
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT id, amount FROM positions WHERE venue = ? AND token = ? AND status = 'active'`, venue, token).
		Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		r.log.Warn().Str("venue", venue).Str("token", token).Msg("No active source position to debit")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load source position: %w", err)
	}

	held, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid amount %q on position %d: %w", raw, id, err)
	}
	remaining := held.Sub(amount)
	if remaining.LessThanOrEqual(dust) {
		_, err = tx.ExecContext(ctx,
			`UPDATE positions SET amount = '0', status = 'closed', closed_at = ? WHERE id = ?`, r.now().Unix(), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE positions SET amount = ? WHERE id = ?`, remaining.String(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update position %d: %w", id, err)
	}
	return nil
}

func (r *PositionRepository) credit(ctx context.Context, tx *sql.Tx, venue, token string, amount, apy decimal.Decimal) (int64, error) {
	var id int64
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT id, amount FROM positions WHERE venue = ? AND token = ? AND status = 'active'`, venue, token).
		Scan(&id, &raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO positions (venue, token, amount, entry_apy, current_apy, status, opened_at)
			 VALUES (?, ?, ?, ?, ?, 'active', ?)`,
			venue, token, amount.String(), apy.String(), apy.String(), r.now().Unix())
		if err != nil {
			return 0, fmt.Errorf("failed to insert position: %w", err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("failed to load destination position: %w", err)
	}

	held, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q on position %d: %w", raw, id, err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE positions SET amount = ?, current_apy = ? WHERE id = ?`,
		held.Add(amount).String(), apy.String(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to update position %d: %w", id, err)
	}
	return id, nil
}

func (r *PositionRepository) query(ctx context.Context, query string, args ...interface{}) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var (
		pos                    domain.Position
		amount, entry, current string
		status                 string
		openedAt               int64
		closedAt               sql.NullInt64
	)
	if err := rows.Scan(&pos.ID, &pos.Venue, &pos.Token, &amount, &entry, &current, &status, &openedAt, &closedAt); err != nil {
		return pos, err
	}

	var err error
	if pos.Amount, err = decimal.NewFromString(amount); err != nil {
		return pos, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	pos.EntryAPY = parseDecimal(entry)
	pos.CurrentAPY = parseDecimal(current)
	pos.Status = domain.PositionStatus(status)
	pos.OpenedAt = time.Unix(openedAt, 0).UTC()
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		pos.ClosedAt = &t
	}
	return pos, nil
}
