/**
 * @description
 * This file contains the core business logic for the licensing-service: the
 * reconciliation pipeline that mirrors Google Play subscription state into the
 * user records everything else (client cache, device gating) derives from.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alcalc/licensing-service/internal/domain"
	"github.com/alcalc/licensing-service/internal/store"
	"github.com/alcalc/licensing-service/pkg/playclient"
	"github.com/alcalc/licensing-service/pkg/rabbitmq"
)

// Repository defines the interface for database operations that the service needs.
type Repository interface {
	GetMirrorByToken(ctx context.Context, purchaseToken string) (*domain.SubscriptionMirror, error)
	UpsertMirror(ctx context.Context, m *domain.SubscriptionMirror) error
	SetMirrorUID(ctx context.Context, purchaseToken, uid string) error

	GetUserSubscription(ctx context.Context, uid string) (*domain.UserSubscription, error)
	ApplyUserPatch(ctx context.Context, patch *domain.UserSubscription) error

	UpsertPurchaseLink(ctx context.Context, purchaseToken, uid, packageName, email string, at time.Time) error
	GetPurchaseLinkUID(ctx context.Context, purchaseToken string) (string, error)
	UpsertAccountLink(ctx context.Context, accountID, uid string, at time.Time) error
	GetAccountLinkUID(ctx context.Context, accountID string) (string, error)

	GetDeviceLock(ctx context.Context, uid string) (*domain.DeviceLock, error)
	AcquireDeviceLock(ctx context.Context, uid string, req domain.LockRequest) (*domain.DeviceLock, error)
	ReleaseDeviceLock(ctx context.Context, uid string, at time.Time) error

	InsertRTDNAudit(ctx context.Context, a *domain.RTDNAudit) error
}

// PlayClient defines the interface for fetching authoritative subscription state.
type PlayClient interface {
	GetSubscription(ctx context.Context, packageName, purchaseToken string) (*playclient.SubscriptionState, error)
}

// Service provides the business logic for subscription reconciliation and gating.
type Service struct {
	repo      Repository
	play      PlayClient
	publisher rabbitmq.Publisher
	logger    *slog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewService creates a new licensing service.
func NewService(repo Repository, play PlayClient, publisher rabbitmq.Publisher, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		play:      play,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// mirrorFromPlayState builds a mirror snapshot from a fetched Play state.
func mirrorFromPlayState(state *playclient.SubscriptionState, packageName, purchaseToken string, now time.Time) *domain.SubscriptionMirror {
	return &domain.SubscriptionMirror{
		PurchaseToken:     purchaseToken,
		PackageName:       packageName,
		SubscriptionState: state.SubscriptionState,
		StartTimeMillis:   state.StartTimeMillis,
		ExpiryTimeMillis:  state.ExpiryTimeMillis,
		StartDate:         domain.MillisToISO(state.StartTimeMillis),
		ExpiryDate:        domain.MillisToISO(state.ExpiryTimeMillis),
		IsActive:          domain.IsActiveByExpiry(state.ExpiryTimeMillis, now),
		RegionCode:        state.RegionCode,
		LastFetchAt:       now,
	}
}

// VerifyAndSave synchronously fetches authoritative state for a token, mirrors it
// under the given uid and propagates to the user record. Returns the stored mirror.
func (s *Service) VerifyAndSave(ctx context.Context, uid, packageName, purchaseToken string) (*domain.SubscriptionMirror, error) {
	state, err := s.play.GetSubscription(ctx, packageName, purchaseToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	before, err := s.repo.GetMirrorByToken(ctx, purchaseToken)
	if err != nil && !errors.Is(err, store.ErrMirrorNotFound) {
		return nil, err
	}

	m := mirrorFromPlayState(state, packageName, purchaseToken, now)
	m.UID = uid
	if err := s.repo.UpsertMirror(ctx, m); err != nil {
		return nil, err
	}

	s.propagateIfRelevant(ctx, before, m)
	return m, nil
}

// HandleRTDN runs the full reconciliation flow for one classified notification.
// Non-subscription kinds are written to the audit trail and dropped; so are
// provider fetch failures, which never abort the mirror update for other tokens.
func (s *Service) HandleRTDN(ctx context.Context, ev *domain.RTDNEvent) error {
	now := s.now()

	if ev.Kind != domain.RTDNKindSubscription {
		return s.audit(ctx, ev.Kind, ev.PackageName, ev.PurchaseToken, "", ev.Raw)
	}

	var state *playclient.SubscriptionState
	state, err := s.play.GetSubscription(ctx, ev.PackageName, ev.PurchaseToken)
	if err != nil {
		if auditErr := s.audit(ctx, domain.RTDNKindFetchError, ev.PackageName, ev.PurchaseToken, err.Error(), ev.Raw); auditErr != nil {
			s.logger.Error("failed to audit play fetch error", "error", auditErr)
		}
		state = nil
	}

	before, err := s.repo.GetMirrorByToken(ctx, ev.PurchaseToken)
	if err != nil && !errors.Is(err, store.ErrMirrorNotFound) {
		return err
	}

	m := &domain.SubscriptionMirror{
		PurchaseToken:    ev.PurchaseToken,
		PackageName:      ev.PackageName,
		SubscriptionID:   ev.SubscriptionID,
		NotificationType: ev.NotificationType,
		EventTimeMillis:  ev.EventTimeMillis,
		LastFetchAt:      now,
		LastRTDNAt:       now,
	}
	if state != nil {
		m.SubscriptionState = state.SubscriptionState
		m.StartTimeMillis = state.StartTimeMillis
		m.ExpiryTimeMillis = state.ExpiryTimeMillis
		m.StartDate = domain.MillisToISO(state.StartTimeMillis)
		m.ExpiryDate = domain.MillisToISO(state.ExpiryTimeMillis)
		m.IsActive = domain.IsActiveByExpiry(state.ExpiryTimeMillis, now)
		m.RegionCode = state.RegionCode
	}
	if before != nil {
		m.UID = before.UID
	}

	if err := s.repo.UpsertMirror(ctx, m); err != nil {
		return err
	}

	if m.UID == "" {
		var accountID string
		if state != nil {
			accountID = state.AccountID
		}
		m.UID = s.resolveAccount(ctx, ev.PurchaseToken, accountID)
	}

	s.propagateIfRelevant(ctx, before, m)
	return nil
}

// resolveAccount tries the fallback identity mappings in order: a client-submitted
// purchase-token link, then an obfuscated-account-id link. The first hit is
// backfilled onto the mirror. Returns "" when the account is still unknown, which
// simply defers propagation until a later event supplies the link.
func (s *Service) resolveAccount(ctx context.Context, purchaseToken, accountID string) string {
	if uid, err := s.repo.GetPurchaseLinkUID(ctx, purchaseToken); err == nil && uid != "" {
		if err := s.repo.SetMirrorUID(ctx, purchaseToken, uid); err != nil {
			s.logger.Error("failed to backfill mirror uid from purchase link", "error", err)
		}
		return uid
	}
	if accountID != "" {
		if uid, err := s.repo.GetAccountLinkUID(ctx, accountID); err == nil && uid != "" {
			if err := s.repo.SetMirrorUID(ctx, purchaseToken, uid); err != nil {
				s.logger.Error("failed to backfill mirror uid from account link", "error", err)
			}
			return uid
		}
	}
	s.logger.Info("mirror has no linked account yet; propagation deferred", "purchase_token", purchaseToken)
	return ""
}

// propagateIfRelevant writes the derived patch onto the linked user record, but only
// when a field that matters changed since the previous mirror snapshot.
func (s *Service) propagateIfRelevant(ctx context.Context, before, after *domain.SubscriptionMirror) {
	if after.UID == "" {
		return
	}
	if !after.RelevantFieldsChanged(before) {
		return
	}
	s.propagate(ctx, after)
}

// propagate unconditionally applies the mirror's derived patch and publishes the
// lifecycle event.
func (s *Service) propagate(ctx context.Context, after *domain.SubscriptionMirror) {
	now := s.now()
	patch := domain.UserPatchFromMirror(after, now)
	if err := s.repo.ApplyUserPatch(ctx, patch); err != nil {
		s.logger.Error("failed to propagate subscription state to user", "uid", after.UID, "error", err)
		return
	}

	event := rabbitmq.SubscriptionEvent{
		UID:              after.UID,
		PurchaseToken:    after.PurchaseToken,
		Status:           patch.SubscriptionStatus,
		ExpiryTimeMillis: after.ExpiryTimeMillis,
		Timestamp:        now,
	}
	if err := s.publisher.PublishSubscriptionEvent(ctx, rabbitmq.RoutingKeySubUpdated, event); err != nil {
		s.logger.Error("failed to publish subscription event", "uid", after.UID, "error", err)
	}
}

// LinkPurchaseToken upserts a token→uid mapping and backfills any pre-existing
// mirror for that token, propagating its state to the user immediately.
func (s *Service) LinkPurchaseToken(ctx context.Context, uid, purchaseToken, packageName, email string) error {
	now := s.now()
	if err := s.repo.UpsertPurchaseLink(ctx, purchaseToken, uid, packageName, email, now); err != nil {
		return err
	}

	mirror, err := s.repo.GetMirrorByToken(ctx, purchaseToken)
	if err != nil {
		if errors.Is(err, store.ErrMirrorNotFound) {
			return nil
		}
		return err
	}

	if err := s.repo.SetMirrorUID(ctx, purchaseToken, uid); err != nil {
		return err
	}
	mirror.UID = uid
	// The link arriving is itself the relevant change: propagate unconditionally.
	s.propagate(ctx, mirror)
	return nil
}

// LinkAccountID upserts an obfuscated-account-id→uid mapping. The next
// reconciliation event for any token carrying this account id will resolve it.
func (s *Service) LinkAccountID(ctx context.Context, uid, accountID string) error {
	return s.repo.UpsertAccountLink(ctx, accountID, uid, s.now())
}

// GetUserSubscription returns the derived subscription state for a uid, including
// the renewal/termination label the client cache stores.
func (s *Service) GetUserSubscription(ctx context.Context, uid string) (*domain.UserSubscription, string, error) {
	sub, err := s.repo.GetUserSubscription(ctx, uid)
	if err != nil {
		return nil, "", err
	}
	return sub, domain.LabelForState(sub.LastSubscriptionState), nil
}

// Announce publishes an announcement event for downstream push fan-out.
func (s *Service) Announce(ctx context.Context, title, body string) error {
	return s.publisher.PublishAnnouncement(ctx, rabbitmq.AnnouncementEvent{
		Title:     title,
		Body:      body,
		Timestamp: s.now(),
	})
}

// AuditRaw records a delivery the parse boundary could not decode at all, so even
// garbage pushes leave a trail. Non-JSON bodies are stored as an empty object.
func (s *Service) AuditRaw(ctx context.Context, payload []byte, cause error) error {
	kept := json.RawMessage(payload)
	if !json.Valid(payload) {
		kept = json.RawMessage(`{}`)
	}
	return s.audit(ctx, domain.RTDNKindUnknownOrOnce, "", "", cause.Error(), kept)
}

func (s *Service) audit(ctx context.Context, kind, packageName, purchaseToken, errMsg string, payload json.RawMessage) error {
	return s.repo.InsertRTDNAudit(ctx, &domain.RTDNAudit{
		ID:            uuid.New(),
		Kind:          kind,
		PackageName:   packageName,
		PurchaseToken: purchaseToken,
		Error:         errMsg,
		Payload:       payload,
		ReceivedAt:    s.now(),
	})
}
