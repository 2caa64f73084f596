/**
 * @description
 * Mirror rows: the authoritative per-purchase-token copy of Play subscription state.
 * One row per token, written by the reconciler and swept by the scheduler.
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

const mirrorColumns = `
    purchase_token, package_name, COALESCE(subscription_id, ''), COALESCE(uid, ''),
    COALESCE(subscription_state, ''), COALESCE(notification_type, 0),
    COALESCE(event_time_millis, 0), COALESCE(start_time_millis, 0),
    COALESCE(expiry_time_millis, 0), COALESCE(start_date, ''), COALESCE(expiry_date, ''),
    is_active, COALESCE(region_code, ''), last_fetch_at,
    COALESCE(last_rtdn_at, 'epoch'::timestamptz), COALESCE(last_sweep_at, 'epoch'::timestamptz)`

func scanMirror(row pgx.Row) (*domain.SubscriptionMirror, error) {
	var m domain.SubscriptionMirror
	err := row.Scan(
		&m.PurchaseToken,
		&m.PackageName,
		&m.SubscriptionID,
		&m.UID,
		&m.SubscriptionState,
		&m.NotificationType,
		&m.EventTimeMillis,
		&m.StartTimeMillis,
		&m.ExpiryTimeMillis,
		&m.StartDate,
		&m.ExpiryDate,
		&m.IsActive,
		&m.RegionCode,
		&m.LastFetchAt,
		&m.LastRTDNAt,
		&m.LastSweepAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMirrorByToken retrieves the mirror for a purchase token.
func (r *Repository) GetMirrorByToken(ctx context.Context, purchaseToken string) (*domain.SubscriptionMirror, error) {
	query := `SELECT ` + mirrorColumns + ` FROM play_subscriptions WHERE purchase_token = $1`
	m, err := scanMirror(r.db.QueryRow(ctx, query, purchaseToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMirrorNotFound
		}
		return nil, fmt.Errorf("failed to get mirror: %w", err)
	}
	return m, nil
}

// UpsertMirror creates or updates the mirror row for its purchase token. A non-empty
// uid on the incoming mirror overwrites; an empty one keeps whatever is already linked.
func (r *Repository) UpsertMirror(ctx context.Context, m *domain.SubscriptionMirror) error {
	query := `
        INSERT INTO play_subscriptions (
            purchase_token, package_name, subscription_id, uid, subscription_state,
            notification_type, event_time_millis, start_time_millis, expiry_time_millis,
            start_date, expiry_date, is_active, region_code, last_fetch_at, last_rtdn_at
        )
        VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9,
                NULLIF($10, ''), NULLIF($11, ''), $12, NULLIF($13, ''), $14, $15)
        ON CONFLICT (purchase_token) DO UPDATE SET
            package_name = EXCLUDED.package_name,
            subscription_id = COALESCE(EXCLUDED.subscription_id, play_subscriptions.subscription_id),
            uid = COALESCE(EXCLUDED.uid, play_subscriptions.uid),
            subscription_state = COALESCE(EXCLUDED.subscription_state, play_subscriptions.subscription_state),
            notification_type = EXCLUDED.notification_type,
            event_time_millis = EXCLUDED.event_time_millis,
            start_time_millis = EXCLUDED.start_time_millis,
            expiry_time_millis = EXCLUDED.expiry_time_millis,
            start_date = COALESCE(EXCLUDED.start_date, play_subscriptions.start_date),
            expiry_date = COALESCE(EXCLUDED.expiry_date, play_subscriptions.expiry_date),
            is_active = EXCLUDED.is_active,
            region_code = COALESCE(EXCLUDED.region_code, play_subscriptions.region_code),
            last_fetch_at = EXCLUDED.last_fetch_at,
            last_rtdn_at = COALESCE(EXCLUDED.last_rtdn_at, play_subscriptions.last_rtdn_at)
    `
	var lastRTDN *time.Time
	if !m.LastRTDNAt.IsZero() {
		lastRTDN = &m.LastRTDNAt
	}
	_, err := r.db.Exec(ctx, query,
		m.PurchaseToken,
		m.PackageName,
		m.SubscriptionID,
		m.UID,
		m.SubscriptionState,
		m.NotificationType,
		m.EventTimeMillis,
		m.StartTimeMillis,
		m.ExpiryTimeMillis,
		m.StartDate,
		m.ExpiryDate,
		m.IsActive,
		m.RegionCode,
		m.LastFetchAt,
		lastRTDN,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mirror: %w", err)
	}
	return nil
}

// SetMirrorUID backfills the resolved account onto an existing mirror.
func (r *Repository) SetMirrorUID(ctx context.Context, purchaseToken, uid string) error {
	query := `UPDATE play_subscriptions SET uid = $1 WHERE purchase_token = $2`
	if _, err := r.db.Exec(ctx, query, uid, purchaseToken); err != nil {
		return fmt.Errorf("failed to set mirror uid: %w", err)
	}
	return nil
}

// ListLapsedActiveMirrors returns mirrors still flagged active whose expiry has
// passed, bounded for batched sweeping.
func (r *Repository) ListLapsedActiveMirrors(ctx context.Context, now time.Time, limit int) ([]*domain.SubscriptionMirror, error) {
	query := `SELECT ` + mirrorColumns + `
        FROM play_subscriptions
        WHERE is_active = TRUE AND expiry_time_millis > 0 AND expiry_time_millis <= $1
        LIMIT $2`
	rows, err := r.db.Query(ctx, query, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lapsed mirrors: %w", err)
	}
	defer rows.Close()

	var mirrors []*domain.SubscriptionMirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mirror: %w", err)
		}
		mirrors = append(mirrors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mirrors: %w", err)
	}
	return mirrors, nil
}

// DeactivateMirror flips a mirror inactive and stamps the sweep time. The transition
// is one-way; a concurrent webhook write can only re-derive the same outcome.
func (r *Repository) DeactivateMirror(ctx context.Context, purchaseToken string, sweptAt time.Time) error {
	query := `UPDATE play_subscriptions SET is_active = FALSE, last_sweep_at = $1 WHERE purchase_token = $2`
	if _, err := r.db.Exec(ctx, query, sweptAt, purchaseToken); err != nil {
		return fmt.Errorf("failed to deactivate mirror: %w", err)
	}
	return nil
}
