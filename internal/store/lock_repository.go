/**
 * @description
 * Device locks: one row per account restricting the authenticated session to a single
 * device. Acquire runs the whole read-then-conditionally-write inside one transaction
 * with the row locked, and the write re-verifies ownership because a first-ever
 * acquisition has no row for FOR UPDATE to lock.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alcalc/licensing-service/internal/domain"
)

func scanLock(row pgx.Row) (*domain.DeviceLock, error) {
	var l domain.DeviceLock
	err := row.Scan(
		&l.UID,
		&l.DeviceID,
		&l.Platform,
		&l.AppBuild,
		&l.Status,
		&l.AcquiredAt,
		&l.ReleasedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const lockColumns = `uid, device_id, COALESCE(platform, ''), app_build, status, acquired_at, released_at`

// GetDeviceLock retrieves the lock row for an account.
func (r *Repository) GetDeviceLock(ctx context.Context, uid string) (*domain.DeviceLock, error) {
	query := `SELECT ` + lockColumns + ` FROM device_locks WHERE uid = $1`
	l, err := scanLock(r.db.QueryRow(ctx, query, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockNotFound
		}
		return nil, fmt.Errorf("failed to get device lock: %w", err)
	}
	return l, nil
}

// AcquireDeviceLock attempts to bind the account's lock to the requesting device.
// Returns domain.ErrLockHeldByOtherDevice when another device owns the active lock.
func (r *Repository) AcquireDeviceLock(ctx context.Context, uid string, req domain.LockRequest) (*domain.DeviceLock, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current *domain.DeviceLock
	row := tx.QueryRow(ctx, `SELECT `+lockColumns+` FROM device_locks WHERE uid = $1 FOR UPDATE`, uid)
	current, err = scanLock(row)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read device lock: %w", err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		current = nil
	}

	switch domain.ResolveLockTransition(current, req.DeviceID) {
	case domain.LockKeep:
		// Same device re-entering: idempotent success, nothing to write.
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit lock transaction: %w", err)
		}
		return current, nil

	case domain.LockDenied:
		return nil, domain.ErrLockHeldByOtherDevice

	case domain.LockCreate, domain.LockReassign:
		// FOR UPDATE locks nothing when the row does not exist yet, so two devices
		// racing the first acquisition can both resolve LockCreate. The upsert
		// re-checks the row state at write time: the DO UPDATE arm only fires when
		// the lock is not actively held by a different device. Zero rows back means
		// a concurrent acquirer won the race.
		query := `
            INSERT INTO device_locks (uid, device_id, platform, app_build, status, acquired_at, released_at)
            VALUES ($1, $2, NULLIF($3, ''), $4, $5, NOW(), NULL)
            ON CONFLICT (uid) DO UPDATE SET
                device_id = EXCLUDED.device_id,
                platform = EXCLUDED.platform,
                app_build = EXCLUDED.app_build,
                status = EXCLUDED.status,
                acquired_at = EXCLUDED.acquired_at,
                released_at = NULL
            WHERE device_locks.status <> EXCLUDED.status
               OR device_locks.device_id = EXCLUDED.device_id
            RETURNING ` + lockColumns
		acquired, err := scanLock(tx.QueryRow(ctx, query,
			uid, req.DeviceID, req.Platform, req.AppBuild, domain.LockStatusActive))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrLockHeldByOtherDevice
			}
			return nil, fmt.Errorf("failed to write device lock: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit lock transaction: %w", err)
		}
		return acquired, nil
	}

	return nil, fmt.Errorf("unreachable lock decision for uid %s", uid)
}

// ReleaseDeviceLock marks the account's lock released. Idempotent: releasing a
// missing or already-released lock succeeds.
func (r *Repository) ReleaseDeviceLock(ctx context.Context, uid string, at time.Time) error {
	query := `
        UPDATE device_locks SET status = $1, released_at = $2
        WHERE uid = $3 AND status <> $1
    `
	if _, err := r.db.Exec(ctx, query, domain.LockStatusReleased, at, uid); err != nil {
		return fmt.Errorf("failed to release device lock: %w", err)
	}
	return nil
}

// DeleteDeviceLock is the administrative reset. Not routed through the API.
func (r *Repository) DeleteDeviceLock(ctx context.Context, uid string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM device_locks WHERE uid = $1`, uid); err != nil {
		return fmt.Errorf("failed to delete device lock: %w", err)
	}
	return nil
}
