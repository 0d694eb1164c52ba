package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tebstrack-io/tebstrack/internal/database"
	"github.com/tebstrack-io/tebstrack/internal/models"
)

// FetchStateRepository is the SQL-backed FetchStateStore.
type FetchStateRepository struct {
	db     *sql.DB
	driver string
}

func NewFetchStateRepository(db *sql.DB, driver string) *FetchStateRepository {
	return &FetchStateRepository{db: db, driver: driver}
}

func (r *FetchStateRepository) GetLastUID(ctx context.Context, mailbox string) (uint32, error) {
	query := database.ConvertPlaceholders(r.driver,
		`SELECT last_uid FROM email_fetch_state WHERE mailbox = $1`)
	var uid int64
	err := r.db.QueryRowContext(ctx, query, mailbox).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read fetch state for %s: %w", mailbox, err)
	}
	return uint32(uid), nil
}

// Advance moves the watermark to max(current, uid) and accumulates the
// processed count. The MAX in the UPDATE keeps concurrent or
// out-of-order calls from ever moving the cursor backward.
func (r *FetchStateRepository) Advance(ctx context.Context, mailbox string, uid uint32, processed int) error {
	now := time.Now().UTC()
	// sqlite's two-argument MAX is GREATEST everywhere else.
	greatest := "GREATEST(last_uid, $1)"
	if r.driver == "" || r.driver == "sqlite" || r.driver == "sqlite3" {
		greatest = "MAX(last_uid, $1)"
	}
	update := database.ConvertPlaceholders(r.driver, `
		UPDATE email_fetch_state
		SET last_uid = `+greatest+`,
			total_processed = total_processed + $2,
			last_fetch_time = $3,
			updated_at = $4
		WHERE mailbox = $5`)
	res, err := r.db.ExecContext(ctx, update, int64(uid), processed, now, now, mailbox)
	if err != nil {
		return fmt.Errorf("failed to advance fetch state for %s: %w", mailbox, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read advance result for %s: %w", mailbox, err)
	}
	if affected > 0 {
		return nil
	}
	insert := database.ConvertPlaceholders(r.driver, `
		INSERT INTO email_fetch_state (mailbox, last_uid, total_processed, last_fetch_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if _, err := r.db.ExecContext(ctx, insert, mailbox, int64(uid), processed, now, now, now); err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race; retry as an update.
			return r.Advance(ctx, mailbox, uid, processed)
		}
		return fmt.Errorf("failed to create fetch state for %s: %w", mailbox, err)
	}
	return nil
}

func (r *FetchStateRepository) Reset(ctx context.Context, mailbox string) error {
	if mailbox == "" {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM email_fetch_state`); err != nil {
			return fmt.Errorf("failed to reset fetch state: %w", err)
		}
		return nil
	}
	query := database.ConvertPlaceholders(r.driver,
		`DELETE FROM email_fetch_state WHERE mailbox = $1`)
	if _, err := r.db.ExecContext(ctx, query, mailbox); err != nil {
		return fmt.Errorf("failed to reset fetch state for %s: %w", mailbox, err)
	}
	return nil
}

func (r *FetchStateRepository) Stats(ctx context.Context) ([]models.FetchState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT mailbox, last_uid, last_fetch_time, total_processed, created_at, updated_at
		FROM email_fetch_state
		ORDER BY mailbox`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch statistics: %w", err)
	}
	defer rows.Close()

	var states []models.FetchState
	for rows.Next() {
		var state models.FetchState
		var uid int64
		var lastFetch sql.NullTime
		if err := rows.Scan(&state.Mailbox, &uid, &lastFetch, &state.TotalProcessed, &state.CreatedAt, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fetch state: %w", err)
		}
		state.LastUID = uint32(uid)
		state.LastFetchTime = lastFetch.Time
		states = append(states, state)
	}
	return states, rows.Err()
}
