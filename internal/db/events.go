package db

import (
	"context"
	"fmt"
)

// TryProcess records a remote event ID. It returns false if the event was
// already processed.
func (db *DB) TryProcess(ctx context.Context, eventID string, kind int, createdAt int64) (bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (event_id, kind, created_at) VALUES (?, ?, ?)
	`, eventID, kind, createdAt)
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows == 1, nil
}

// GetHighWaterMark returns the newest processed event timestamp.
func (db *DB) GetHighWaterMark(ctx context.Context) (int64, error) {
	var ts int64
	if err := db.QueryRowContext(ctx, `SELECT created_at FROM high_water_mark WHERE id = 1`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("querying high water mark: %w", err)
	}
	return ts, nil
}

// SetHighWaterMark advances the high water mark. It never moves backwards.
func (db *DB) SetHighWaterMark(ctx context.Context, ts int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE high_water_mark SET created_at = ? WHERE id = 1 AND created_at < ?
	`, ts, ts)
	if err != nil {
		return fmt.Errorf("setting high water mark: %w", err)
	}
	return nil
}
