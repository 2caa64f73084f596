/**
 * @description
 * Scheduled job implementations for the licensing-service. The sweep corrects state
 * drift between authoritative expiry times and cached "active" flags, independently
 * of whether a webhook notification ever arrived.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/alcalc/licensing-service/internal/domain"
	"github.com/alcalc/licensing-service/pkg/rabbitmq"
)

// JobsRepository defines database operations needed by the jobs.
type JobsRepository interface {
	ListLapsedActiveMirrors(ctx context.Context, now time.Time, limit int) ([]*domain.SubscriptionMirror, error)
	DeactivateMirror(ctx context.Context, purchaseToken string, sweptAt time.Time) error
	ListLapsedActiveUsers(ctx context.Context, now time.Time, limit int) ([]string, error)
	DeactivateUser(ctx context.Context, uid string, at time.Time) error
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      JobsRepository
	publisher rabbitmq.Publisher
	logger    *slog.Logger
	batchSize int

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo JobsRepository, publisher rabbitmq.Publisher, logger *slog.Logger, batchSize int) *Jobs {
	return &Jobs{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SweepExpiredSubscriptions flips lapsed-but-still-active mirrors and user records
// inactive, in bounded batches. Both passes only ever move state active→inactive, a
// monotonic transition, so running concurrently with webhook handlers is safe.
func (j *Jobs) SweepExpiredSubscriptions() {
	j.logger.Info("starting expired subscription sweep")
	ctx := context.Background()
	now := j.now()

	mirrors, err := j.repo.ListLapsedActiveMirrors(ctx, now, j.batchSize)
	if err != nil {
		j.logger.Error("failed to list lapsed mirrors", "error", err)
		return
	}

	swept := 0
	for _, m := range mirrors {
		if err := j.repo.DeactivateMirror(ctx, m.PurchaseToken, now); err != nil {
			j.logger.Error("failed to deactivate mirror", "purchase_token", m.PurchaseToken, "error", err)
			continue
		}
		swept++

		if m.UID == "" {
			continue
		}
		if err := j.repo.DeactivateUser(ctx, m.UID, now); err != nil {
			j.logger.Error("failed to deactivate user from mirror sweep", "uid", m.UID, "error", err)
			continue
		}
		j.publishLapsed(ctx, m.UID, m.PurchaseToken, m.ExpiryTimeMillis, now)
	}

	// Second pass: user records flagged active whose expiry passed without any
	// linked mirror catching it (missed or never-delivered webhooks).
	uids, err := j.repo.ListLapsedActiveUsers(ctx, now, j.batchSize)
	if err != nil {
		j.logger.Error("failed to list lapsed users", "error", err)
		return
	}
	for _, uid := range uids {
		if err := j.repo.DeactivateUser(ctx, uid, now); err != nil {
			j.logger.Error("failed to deactivate lapsed user", "uid", uid, "error", err)
			continue
		}
		j.publishLapsed(ctx, uid, "", 0, now)
	}

	j.logger.Info("expired subscription sweep finished",
		"mirrors_swept", swept, "users_swept", len(uids))
}

func (j *Jobs) publishLapsed(ctx context.Context, uid, purchaseToken string, expiryMillis int64, now time.Time) {
	event := rabbitmq.SubscriptionEvent{
		UID:              uid,
		PurchaseToken:    purchaseToken,
		Status:           domain.StatusInactive,
		ExpiryTimeMillis: expiryMillis,
		Timestamp:        now,
	}
	if err := j.publisher.PublishSubscriptionEvent(ctx, rabbitmq.RoutingKeySubLapsed, event); err != nil {
		j.logger.Error("failed to publish lapsed event", "uid", uid, "error", err)
	}
}
