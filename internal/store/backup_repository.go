package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetBackupPath resolves the latest backup blob path recorded for a uid.
func (r *Repository) GetBackupPath(ctx context.Context, uid string) (string, error) {
	var path string
	err := r.db.QueryRow(ctx, `SELECT path FROM user_backups WHERE uid = $1`, uid).Scan(&path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrBackupNotFound
		}
		return "", fmt.Errorf("failed to get backup path: %w", err)
	}
	return path, nil
}

// SetBackupPath records the latest backup blob path for a uid.
func (r *Repository) SetBackupPath(ctx context.Context, uid, path string, at time.Time) error {
	query := `
        INSERT INTO user_backups (uid, path, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (uid) DO UPDATE SET path = EXCLUDED.path, updated_at = EXCLUDED.updated_at
    `
	if _, err := r.db.Exec(ctx, query, uid, path, at); err != nil {
		return fmt.Errorf("failed to set backup path: %w", err)
	}
	return nil
}
