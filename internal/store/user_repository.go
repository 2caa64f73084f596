/**
 * @description
 * User records: the derived subscription state the rest of the system (client cache,
 * gating) reads from. Patches merge into the row; they never clear the email.
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

// GetUserSubscription retrieves the derived subscription state for a uid.
func (r *Repository) GetUserSubscription(ctx context.Context, uid string) (*domain.UserSubscription, error) {
	query := `
        SELECT uid, COALESCE(email, ''), subscription_status,
               COALESCE(expiry_time_millis, 0), COALESCE(expiry_date, ''),
               COALESCE(start_date, ''), COALESCE(last_subscription_state, ''),
               COALESCE(last_notification_type, 0), COALESCE(last_region_code, ''), updated_at
        FROM users
        WHERE uid = $1
    `
	var u domain.UserSubscription
	err := r.db.QueryRow(ctx, query, uid).Scan(
		&u.UID,
		&u.Email,
		&u.SubscriptionStatus,
		&u.ExpiryTimeMillis,
		&u.ExpiryDate,
		&u.StartDate,
		&u.LastSubscriptionState,
		&u.LastNotificationType,
		&u.LastRegionCode,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user subscription: %w", err)
	}
	return &u, nil
}

// ApplyUserPatch merges a derived subscription patch onto the user record, creating
// the row if it does not exist yet.
func (r *Repository) ApplyUserPatch(ctx context.Context, patch *domain.UserSubscription) error {
	query := `
        INSERT INTO users (
            uid, subscription_status, expiry_time_millis, expiry_date, start_date,
            last_subscription_state, last_notification_type, last_region_code, updated_at
        )
        VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), $9)
        ON CONFLICT (uid) DO UPDATE SET
            subscription_status = EXCLUDED.subscription_status,
            expiry_time_millis = EXCLUDED.expiry_time_millis,
            expiry_date = COALESCE(EXCLUDED.expiry_date, users.expiry_date),
            start_date = COALESCE(EXCLUDED.start_date, users.start_date),
            last_subscription_state = COALESCE(EXCLUDED.last_subscription_state, users.last_subscription_state),
            last_notification_type = EXCLUDED.last_notification_type,
            last_region_code = COALESCE(EXCLUDED.last_region_code, users.last_region_code),
            updated_at = EXCLUDED.updated_at
    `
	_, err := r.db.Exec(ctx, query,
		patch.UID,
		patch.SubscriptionStatus,
		patch.ExpiryTimeMillis,
		patch.ExpiryDate,
		patch.StartDate,
		patch.LastSubscriptionState,
		patch.LastNotificationType,
		patch.LastRegionCode,
		patch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to apply user patch: %w", err)
	}
	return nil
}

// ListLapsedActiveUsers returns uids still flagged active whose expiry has passed.
func (r *Repository) ListLapsedActiveUsers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
        SELECT uid FROM users
        WHERE subscription_status = $1 AND expiry_time_millis > 0 AND expiry_time_millis <= $2
        LIMIT $3
    `
	rows, err := r.db.Query(ctx, query, domain.StatusActive, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lapsed users: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return uids, nil
}

// DeactivateUser flips a user record inactive.
func (r *Repository) DeactivateUser(ctx context.Context, uid string, at time.Time) error {
	query := `UPDATE users SET subscription_status = $1, updated_at = $2 WHERE uid = $3`
	if _, err := r.db.Exec(ctx, query, domain.StatusInactive, at, uid); err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	return nil
}
