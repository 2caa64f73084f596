package store

import (
	"context"
	"fmt"

	"github.com/alcalc/licensing-service/internal/domain"
)

// InsertRTDNAudit appends a raw-event audit row.
func (r *Repository) InsertRTDNAudit(ctx context.Context, a *domain.RTDNAudit) error {
	query := `
        INSERT INTO rtdn_audit (id, kind, package_name, purchase_token, error, payload, received_at)
        VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
    `
	_, err := r.db.Exec(ctx, query,
		a.ID, a.Kind, a.PackageName, a.PurchaseToken, a.Error, a.Payload, a.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rtdn audit row: %w", err)
	}
	return nil
}
