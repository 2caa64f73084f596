package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alcalc/licensing-service/internal/domain"
	"github.com/alcalc/licensing-service/internal/store"
	"github.com/alcalc/licensing-service/pkg/playclient"
	"github.com/alcalc/licensing-service/pkg/rabbitmq"
)

// repoStub is an in-memory Repository capturing everything the service writes.
type repoStub struct {
	mirrors      map[string]*domain.SubscriptionMirror
	users        map[string]*domain.UserSubscription
	purchaseLink map[string]string
	accountLink  map[string]string
	locks        map[string]*domain.DeviceLock
	audits       []*domain.RTDNAudit

	userPatchCount int
	releaseErr     error
	lockReadErr    error

	// beforeLockWrite, when set, runs between the lock read and the lock write,
	// standing in for a concurrent acquirer slipping past the row lock.
	beforeLockWrite func()
}

func newRepoStub() *repoStub {
	return &repoStub{
		mirrors:      make(map[string]*domain.SubscriptionMirror),
		users:        make(map[string]*domain.UserSubscription),
		purchaseLink: make(map[string]string),
		accountLink:  make(map[string]string),
		locks:        make(map[string]*domain.DeviceLock),
	}
}

func (r *repoStub) GetMirrorByToken(ctx context.Context, token string) (*domain.SubscriptionMirror, error) {
	m, ok := r.mirrors[token]
	if !ok {
		return nil, store.ErrMirrorNotFound
	}
	copied := *m
	return &copied, nil
}

func (r *repoStub) UpsertMirror(ctx context.Context, m *domain.SubscriptionMirror) error {
	copied := *m
	if existing, ok := r.mirrors[m.PurchaseToken]; ok && copied.UID == "" {
		copied.UID = existing.UID
	}
	r.mirrors[m.PurchaseToken] = &copied
	return nil
}

func (r *repoStub) SetMirrorUID(ctx context.Context, token, uid string) error {
	if m, ok := r.mirrors[token]; ok {
		m.UID = uid
	}
	return nil
}

func (r *repoStub) GetUserSubscription(ctx context.Context, uid string) (*domain.UserSubscription, error) {
	u, ok := r.users[uid]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *repoStub) ApplyUserPatch(ctx context.Context, patch *domain.UserSubscription) error {
	r.userPatchCount++
	copied := *patch
	r.users[patch.UID] = &copied
	return nil
}

func (r *repoStub) UpsertPurchaseLink(ctx context.Context, token, uid, packageName, email string, at time.Time) error {
	r.purchaseLink[token] = uid
	return nil
}

func (r *repoStub) GetPurchaseLinkUID(ctx context.Context, token string) (string, error) {
	uid, ok := r.purchaseLink[token]
	if !ok {
		return "", store.ErrLinkNotFound
	}
	return uid, nil
}

func (r *repoStub) UpsertAccountLink(ctx context.Context, accountID, uid string, at time.Time) error {
	r.accountLink[accountID] = uid
	return nil
}

func (r *repoStub) GetAccountLinkUID(ctx context.Context, accountID string) (string, error) {
	uid, ok := r.accountLink[accountID]
	if !ok {
		return "", store.ErrLinkNotFound
	}
	return uid, nil
}

func (r *repoStub) GetDeviceLock(ctx context.Context, uid string) (*domain.DeviceLock, error) {
	if r.lockReadErr != nil {
		return nil, r.lockReadErr
	}
	l, ok := r.locks[uid]
	if !ok {
		return nil, store.ErrLockNotFound
	}
	copied := *l
	return &copied, nil
}

// AcquireDeviceLock emulates the store transaction against the in-memory row.
func (r *repoStub) AcquireDeviceLock(ctx context.Context, uid string, req domain.LockRequest) (*domain.DeviceLock, error) {
	current := r.locks[uid]
	switch domain.ResolveLockTransition(current, req.DeviceID) {
	case domain.LockKeep:
		copied := *current
		return &copied, nil
	case domain.LockDenied:
		return nil, domain.ErrLockHeldByOtherDevice
	default:
		if r.beforeLockWrite != nil {
			r.beforeLockWrite()
		}
		// The store's upsert re-checks ownership at write time; mirror that here so
		// a racer that landed between read and write wins instead of being clobbered.
		if cur := r.locks[uid]; cur != nil && cur.Status == domain.LockStatusActive && cur.DeviceID != req.DeviceID {
			return nil, domain.ErrLockHeldByOtherDevice
		}
		lock := &domain.DeviceLock{
			UID:        uid,
			DeviceID:   req.DeviceID,
			Platform:   req.Platform,
			AppBuild:   req.AppBuild,
			Status:     domain.LockStatusActive,
			AcquiredAt: time.Now(),
		}
		r.locks[uid] = lock
		copied := *lock
		return &copied, nil
	}
}

func (r *repoStub) ReleaseDeviceLock(ctx context.Context, uid string, at time.Time) error {
	if r.releaseErr != nil {
		return r.releaseErr
	}
	if l, ok := r.locks[uid]; ok {
		l.Status = domain.LockStatusReleased
		l.ReleasedAt = &at
	}
	return nil
}

func (r *repoStub) InsertRTDNAudit(ctx context.Context, a *domain.RTDNAudit) error {
	r.audits = append(r.audits, a)
	return nil
}

// playStub serves canned subscription states per token.
type playStub struct {
	states map[string]*playclient.SubscriptionState
	err    error
	calls  int
}

func (p *playStub) GetSubscription(ctx context.Context, packageName, token string) (*playclient.SubscriptionState, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	state, ok := p.states[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return state, nil
}

// publisherStub records published events.
type publisherStub struct {
	subscriptionEvents []rabbitmq.SubscriptionEvent
	announcements      []rabbitmq.AnnouncementEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *publisherStub) PublishSubscriptionEvent(ctx context.Context, routingKey string, event rabbitmq.SubscriptionEvent) error {
	p.subscriptionEvents = append(p.subscriptionEvents, event)
	return nil
}

func (p *publisherStub) PublishAnnouncement(ctx context.Context, event rabbitmq.AnnouncementEvent) error {
	p.announcements = append(p.announcements, event)
	return nil
}

func (p *publisherStub) Close() {}

func newTestService(repo *repoStub, play *playStub, pub *publisherStub, now time.Time) *Service {
	svc := NewService(repo, play, pub, slog.New(slog.NewTextHandler(testWriter{}, nil)))
	svc.now = func() time.Time { return now }
	return svc
}

// testWriter discards log output.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func subscriptionRTDN(token string) *domain.RTDNEvent {
	return &domain.RTDNEvent{
		Kind:             domain.RTDNKindSubscription,
		PackageName:      "com.alcalc.app",
		PurchaseToken:    token,
		SubscriptionID:   "monthly",
		NotificationType: 2,
		EventTimeMillis:  1700000000000,
		Raw:              json.RawMessage(`{}`),
	}
}

func TestHandleRTDN_ReconcilesAndPropagatesViaPurchaseLink(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	repo.purchaseLink["tok-1"] = "uid-1"
	play := &playStub{states: map[string]*playclient.SubscriptionState{
		"tok-1": {
			StartTimeMillis:   now.Add(-24 * time.Hour).UnixMilli(),
			ExpiryTimeMillis:  now.Add(24 * time.Hour).UnixMilli(),
			SubscriptionState: "SUBSCRIPTION_STATE_ACTIVE",
			RegionCode:        "MX",
		},
	}}
	pub := &publisherStub{}
	svc := newTestService(repo, play, pub, now)

	if err := svc.HandleRTDN(context.Background(), subscriptionRTDN("tok-1")); err != nil {
		t.Fatalf("HandleRTDN returned error: %v", err)
	}

	m := repo.mirrors["tok-1"]
	if m == nil {
		t.Fatal("expected mirror to be upserted")
	}
	if !m.IsActive {
		t.Error("expected mirror to be active")
	}
	if m.UID != "uid-1" {
		t.Errorf("expected uid backfilled from purchase link, got %q", m.UID)
	}

	u := repo.users["uid-1"]
	if u == nil {
		t.Fatal("expected user patch to be applied")
	}
	if u.SubscriptionStatus != domain.StatusActive {
		t.Errorf("expected user active, got %q", u.SubscriptionStatus)
	}
	if len(pub.subscriptionEvents) != 1 {
		t.Fatalf("expected one published event, got %d", len(pub.subscriptionEvents))
	}
	if pub.subscriptionEvents[0].Status != domain.StatusActive {
		t.Errorf("unexpected event status %q", pub.subscriptionEvents[0].Status)
	}
}

func TestHandleRTDN_SameDeliveryTwiceConverges(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	repo.purchaseLink["tok-1"] = "uid-1"
	play := &playStub{states: map[string]*playclient.SubscriptionState{
		"tok-1": {
			ExpiryTimeMillis:  now.Add(time.Hour).UnixMilli(),
			SubscriptionState: "SUBSCRIPTION_STATE_ACTIVE",
		},
	}}
	pub := &publisherStub{}
	svc := newTestService(repo, play, pub, now)

	if err := svc.HandleRTDN(context.Background(), subscriptionRTDN("tok-1")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first := *repo.mirrors["tok-1"]
	patchesAfterFirst := repo.userPatchCount

	if err := svc.HandleRTDN(context.Background(), subscriptionRTDN("tok-1")); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	second := *repo.mirrors["tok-1"]

	if first.IsActive != second.IsActive ||
		first.ExpiryTimeMillis != second.ExpiryTimeMillis ||
		first.SubscriptionState != second.SubscriptionState ||
		first.UID != second.UID {
		t.Errorf("redelivery changed mirror state: first=%+v second=%+v", first, second)
	}
	// No relevant field changed, so the second delivery must not re-propagate.
	if repo.userPatchCount != patchesAfterFirst {
		t.Errorf("expected no extra user patch on redelivery, got %d -> %d",
			patchesAfterFirst, repo.userPatchCount)
	}
}

func TestHandleRTDN_TestNotificationOnlyAudited(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	svc := newTestService(repo, &playStub{}, &publisherStub{}, now)

	ev := &domain.RTDNEvent{Kind: domain.RTDNKindTest, Raw: json.RawMessage(`{"testNotification":{}}`)}
	if err := svc.HandleRTDN(context.Background(), ev); err != nil {
		t.Fatalf("HandleRTDN returned error: %v", err)
	}

	if len(repo.audits) != 1 || repo.audits[0].Kind != domain.RTDNKindTest {
		t.Fatalf("expected a single test-notification audit row, got %+v", repo.audits)
	}
	if len(repo.mirrors) != 0 {
		t.Error("test notification must not touch mirrors")
	}
}

func TestAuditRaw_FailsClosedToAuditTrail(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	svc := newTestService(repo, &playStub{}, &publisherStub{}, now)

	if err := svc.AuditRaw(context.Background(), []byte("not json"), errors.New("bad envelope")); err != nil {
		t.Fatalf("AuditRaw returned error: %v", err)
	}
	if err := svc.AuditRaw(context.Background(), []byte(`{"message":{}}`), errors.New("bad payload")); err != nil {
		t.Fatalf("AuditRaw returned error: %v", err)
	}

	if len(repo.audits) != 2 {
		t.Fatalf("expected two audit rows, got %d", len(repo.audits))
	}
	if repo.audits[0].Kind != domain.RTDNKindUnknownOrOnce || repo.audits[0].Error != "bad envelope" {
		t.Errorf("unexpected first audit row: %+v", repo.audits[0])
	}
	if string(repo.audits[0].Payload) != "{}" {
		t.Errorf("non-JSON payload must be stored as an empty object, got %s", repo.audits[0].Payload)
	}
	if string(repo.audits[1].Payload) != `{"message":{}}` {
		t.Errorf("valid JSON payload must be kept verbatim, got %s", repo.audits[1].Payload)
	}
}

func TestHandleRTDN_FetchErrorAuditedNotRaised(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	play := &playStub{err: errors.New("play unavailable")}
	svc := newTestService(repo, play, &publisherStub{}, now)

	if err := svc.HandleRTDN(context.Background(), subscriptionRTDN("tok-err")); err != nil {
		t.Fatalf("fetch failure must not raise, got: %v", err)
	}

	if len(repo.audits) != 1 || repo.audits[0].Kind != domain.RTDNKindFetchError {
		t.Fatalf("expected a fetch_error audit row, got %+v", repo.audits)
	}
	if repo.mirrors["tok-err"] == nil {
		t.Error("expected mirror row recorded even without authoritative state")
	}
}

func TestHandleRTDN_AccountLinkFallback(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	repo.accountLink["obf-acct-9"] = "uid-9"
	play := &playStub{states: map[string]*playclient.SubscriptionState{
		"tok-9": {
			ExpiryTimeMillis:  now.Add(time.Hour).UnixMilli(),
			SubscriptionState: "SUBSCRIPTION_STATE_ACTIVE",
			AccountID:         "obf-acct-9",
		},
	}}
	svc := newTestService(repo, play, &publisherStub{}, now)

	if err := svc.HandleRTDN(context.Background(), subscriptionRTDN("tok-9")); err != nil {
		t.Fatalf("HandleRTDN returned error: %v", err)
	}
	if repo.mirrors["tok-9"].UID != "uid-9" {
		t.Errorf("expected uid resolved via account link, got %q", repo.mirrors["tok-9"].UID)
	}
	if repo.users["uid-9"] == nil {
		t.Error("expected propagation to the account-linked user")
	}
}

func TestHandleRTDN_UnresolvedAccountDefersPropagation(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	play := &playStub{states: map[string]*playclient.SubscriptionState{
		"tok-x": {
			ExpiryTimeMillis:  now.Add(time.Hour).UnixMilli(),
			SubscriptionState: "SUBSCRIPTION_STATE_ACTIVE",
		},
	}}
	svc := newTestService(repo, play, &publisherStub{}, now)

	if err := svc.HandleRTDN(context.Background(), subscriptionRTDN("tok-x")); err != nil {
		t.Fatalf("HandleRTDN returned error: %v", err)
	}
	if len(repo.users) != 0 {
		t.Error("expected no user patch while account is unresolved")
	}
	if repo.mirrors["tok-x"] == nil {
		t.Error("expected mirror stored even without account linkage")
	}
}

func TestLinkPurchaseToken_BackfillsExistingMirror(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	repo.mirrors["tok-b"] = &domain.SubscriptionMirror{
		PurchaseToken:     "tok-b",
		PackageName:       "com.alcalc.app",
		SubscriptionState: "SUBSCRIPTION_STATE_ACTIVE",
		ExpiryTimeMillis:  now.Add(time.Hour).UnixMilli(),
		IsActive:          true,
	}
	pub := &publisherStub{}
	svc := newTestService(repo, &playStub{}, pub, now)

	if err := svc.LinkPurchaseToken(context.Background(), "uid-b", "tok-b", "com.alcalc.app", "user@example.com"); err != nil {
		t.Fatalf("LinkPurchaseToken returned error: %v", err)
	}

	if repo.purchaseLink["tok-b"] != "uid-b" {
		t.Error("expected purchase link stored")
	}
	if repo.mirrors["tok-b"].UID != "uid-b" {
		t.Error("expected mirror backfilled with uid")
	}
	u := repo.users["uid-b"]
	if u == nil || u.SubscriptionStatus != domain.StatusActive {
		t.Fatalf("expected late link to propagate active state, got %+v", u)
	}
	if len(pub.subscriptionEvents) != 1 {
		t.Errorf("expected one published event, got %d", len(pub.subscriptionEvents))
	}
}

func TestLinkPurchaseToken_NoMirrorYetIsFine(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	svc := newTestService(repo, &playStub{}, &publisherStub{}, now)

	if err := svc.LinkPurchaseToken(context.Background(), "uid-c", "tok-c", "", ""); err != nil {
		t.Fatalf("LinkPurchaseToken returned error: %v", err)
	}
	if repo.purchaseLink["tok-c"] != "uid-c" {
		t.Error("expected purchase link stored even without a mirror")
	}
	if len(repo.users) != 0 {
		t.Error("expected no propagation without a mirror")
	}
}

func TestVerifyAndSave_MirrorsAndPropagates(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	play := &playStub{states: map[string]*playclient.SubscriptionState{
		"tok-v": {
			StartTimeMillis:   now.Add(-time.Hour).UnixMilli(),
			ExpiryTimeMillis:  now.Add(time.Hour).UnixMilli(),
			SubscriptionState: "SUBSCRIPTION_STATE_ACTIVE",
			RegionCode:        "MX",
		},
	}}
	svc := newTestService(repo, play, &publisherStub{}, now)

	m, err := svc.VerifyAndSave(context.Background(), "uid-v", "com.alcalc.app", "tok-v")
	if err != nil {
		t.Fatalf("VerifyAndSave returned error: %v", err)
	}
	if !m.IsActive || m.UID != "uid-v" {
		t.Errorf("unexpected mirror %+v", m)
	}
	if repo.users["uid-v"] == nil {
		t.Error("expected immediate propagation")
	}
}

func TestVerifyAndSave_PropagatesProviderError(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	repo := newRepoStub()
	play := &playStub{err: errors.New("play down")}
	svc := newTestService(repo, play, &publisherStub{}, now)

	if _, err := svc.VerifyAndSave(context.Background(), "uid-v", "com.alcalc.app", "tok-v"); err == nil {
		t.Fatal("expected synchronous verify to surface the provider error")
	}
}
