/**
 * @description
 * Identity links: client-submitted purchase-token→uid and obfuscated-account-id→uid
 * mappings consulted by the reconciler when a mirror has no linked account yet.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertPurchaseLink records a purchase-token→uid mapping submitted by the client.
func (r *Repository) UpsertPurchaseLink(ctx context.Context, purchaseToken, uid, packageName, email string, at time.Time) error {
	query := `
        INSERT INTO purchase_links (purchase_token, uid, package_name, email, created_at, last_client_at)
        VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $5)
        ON CONFLICT (purchase_token) DO UPDATE SET
            uid = EXCLUDED.uid,
            package_name = COALESCE(EXCLUDED.package_name, purchase_links.package_name),
            email = COALESCE(EXCLUDED.email, purchase_links.email),
            last_client_at = EXCLUDED.last_client_at
    `
	if _, err := r.db.Exec(ctx, query, purchaseToken, uid, packageName, email, at); err != nil {
		return fmt.Errorf("failed to upsert purchase link: %w", err)
	}
	return nil
}

// GetPurchaseLinkUID resolves the uid linked to a purchase token.
func (r *Repository) GetPurchaseLinkUID(ctx context.Context, purchaseToken string) (string, error) {
	var uid string
	err := r.db.QueryRow(ctx, `SELECT uid FROM purchase_links WHERE purchase_token = $1`, purchaseToken).Scan(&uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrLinkNotFound
		}
		return "", fmt.Errorf("failed to get purchase link: %w", err)
	}
	return uid, nil
}

// UpsertAccountLink records an obfuscated-account-id→uid mapping.
func (r *Repository) UpsertAccountLink(ctx context.Context, accountID, uid string, at time.Time) error {
	query := `
        INSERT INTO account_links (account_id, uid, created_at, last_client_at)
        VALUES ($1, $2, $3, $3)
        ON CONFLICT (account_id) DO UPDATE SET
            uid = EXCLUDED.uid,
            last_client_at = EXCLUDED.last_client_at
    `
	if _, err := r.db.Exec(ctx, query, accountID, uid, at); err != nil {
		return fmt.Errorf("failed to upsert account link: %w", err)
	}
	return nil
}

// GetAccountLinkUID resolves the uid linked to an obfuscated account id.
func (r *Repository) GetAccountLinkUID(ctx context.Context, accountID string) (string, error) {
	var uid string
	err := r.db.QueryRow(ctx, `SELECT uid FROM account_links WHERE account_id = $1`, accountID).Scan(&uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrLinkNotFound
		}
		return "", fmt.Errorf("failed to get account link: %w", err)
	}
	return uid, nil
}
