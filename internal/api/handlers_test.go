package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alcalc/licensing-service/internal/app"
	"github.com/alcalc/licensing-service/internal/domain"
	"github.com/alcalc/licensing-service/internal/store"
	"github.com/alcalc/licensing-service/pkg/playclient"
	"github.com/alcalc/licensing-service/pkg/rabbitmq"
)

const testJWTSecret = "test-secret"

// apiRepoStub embeds the Repository interface so only the methods a test exercises
// need implementations; anything else panics loudly.
type apiRepoStub struct {
	app.Repository

	locks  map[string]*domain.DeviceLock
	links  map[string]string
	users  map[string]*domain.UserSubscription
	audits []*domain.RTDNAudit
}

func newAPIRepoStub() *apiRepoStub {
	return &apiRepoStub{
		locks: make(map[string]*domain.DeviceLock),
		links: make(map[string]string),
		users: make(map[string]*domain.UserSubscription),
	}
}

func (r *apiRepoStub) AcquireDeviceLock(ctx context.Context, uid string, req domain.LockRequest) (*domain.DeviceLock, error) {
	current := r.locks[uid]
	switch domain.ResolveLockTransition(current, req.DeviceID) {
	case domain.LockKeep:
		return current, nil
	case domain.LockDenied:
		return nil, domain.ErrLockHeldByOtherDevice
	default:
		lock := &domain.DeviceLock{UID: uid, DeviceID: req.DeviceID, Status: domain.LockStatusActive, AcquiredAt: time.Now()}
		r.locks[uid] = lock
		return lock, nil
	}
}

func (r *apiRepoStub) ReleaseDeviceLock(ctx context.Context, uid string, at time.Time) error {
	if l, ok := r.locks[uid]; ok {
		l.Status = domain.LockStatusReleased
	}
	return nil
}

func (r *apiRepoStub) GetDeviceLock(ctx context.Context, uid string) (*domain.DeviceLock, error) {
	l, ok := r.locks[uid]
	if !ok {
		return nil, store.ErrLockNotFound
	}
	return l, nil
}

func (r *apiRepoStub) UpsertPurchaseLink(ctx context.Context, token, uid, packageName, email string, at time.Time) error {
	r.links[token] = uid
	return nil
}

func (r *apiRepoStub) UpsertAccountLink(ctx context.Context, accountID, uid string, at time.Time) error {
	r.links[accountID] = uid
	return nil
}

func (r *apiRepoStub) GetMirrorByToken(ctx context.Context, token string) (*domain.SubscriptionMirror, error) {
	return nil, store.ErrMirrorNotFound
}

func (r *apiRepoStub) GetUserSubscription(ctx context.Context, uid string) (*domain.UserSubscription, error) {
	u, ok := r.users[uid]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

func (r *apiRepoStub) InsertRTDNAudit(ctx context.Context, a *domain.RTDNAudit) error {
	r.audits = append(r.audits, a)
	return nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (noopPublisher) PublishSubscriptionEvent(ctx context.Context, routingKey string, event rabbitmq.SubscriptionEvent) error {
	return nil
}

func (noopPublisher) PublishAnnouncement(ctx context.Context, event rabbitmq.AnnouncementEvent) error {
	return nil
}

func (noopPublisher) Close() {}

// backupRepoStub keeps backup paths in memory.
type backupRepoStub struct {
	paths map[string]string
}

func (b *backupRepoStub) GetBackupPath(ctx context.Context, uid string) (string, error) {
	path, ok := b.paths[uid]
	if !ok {
		return "", store.ErrBackupNotFound
	}
	return path, nil
}

func (b *backupRepoStub) SetBackupPath(ctx context.Context, uid, path string, at time.Time) error {
	b.paths[uid] = path
	return nil
}

// backupStoreStub keeps blob bytes in memory keyed by path.
type backupStoreStub struct {
	blobs map[string][]byte
}

func (b *backupStoreStub) Save(uid string, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	path := uid + "/latest.bin"
	b.blobs[path] = data
	return path, int64(len(data)), nil
}

func (b *backupStoreStub) Open(path string) (io.ReadCloser, int64, error) {
	data, ok := b.blobs[path]
	if !ok {
		return nil, 0, store.ErrBackupNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// countingPlayStub records how often the provider was consulted.
type countingPlayStub struct {
	calls int
}

func (p *countingPlayStub) GetSubscription(ctx context.Context, packageName, purchaseToken string) (*playclient.SubscriptionState, error) {
	p.calls++
	return &playclient.SubscriptionState{SubscriptionState: "SUBSCRIPTION_STATE_ACTIVE"}, nil
}

// limiterStub returns a canned count so tests can drive the 429 path without Redis.
type limiterStub struct {
	count      int
	retryAfter int
	err        error
	calls      int
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.calls++
	return l.count, l.retryAfter, l.err
}

func newTestRouter(t *testing.T, repo *apiRepoStub) http.Handler {
	return newTestRouterWith(t, repo, nil, nil, 0)
}

func newTestRouterWith(t *testing.T, repo *apiRepoStub, play app.PlayClient, limiter RateLimiter, limit int) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := app.NewService(repo, play, noopPublisher{}, logger)
	backups := app.NewBackups(
		&backupRepoStub{paths: make(map[string]string)},
		&backupStoreStub{blobs: make(map[string][]byte)},
		logger,
	)
	h := NewHandler(service, backups, limiter, limit)
	return Routes(h, testJWTSecret)
}

func bearerToken(t *testing.T, uid string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uid,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return "Bearer " + signed
}

func authedRequest(t *testing.T, method, target, uid string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", bearerToken(t, uid))
	return req
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	router := newTestRouter(t, newAPIRepoStub())

	for _, target := range []string{"/v1/locks/acquire", "/v1/links/purchase-token"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{}`)))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: got %d, want 401", target, rec.Code)
		}
	}
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	router := newTestRouter(t, newAPIRepoStub())

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "uid-1"})
	signed, _ := token.SignedString([]byte("wrong-secret"))
	req := httptest.NewRequest(http.MethodPost, "/v1/locks/release", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want 401", rec.Code)
	}
}

func TestAcquireLockFlow(t *testing.T) {
	repo := newAPIRepoStub()
	router := newTestRouter(t, repo)

	body := `{"device_id":"device-a","platform":"android"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/locks/acquire", "uid-1", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("first acquire: got %d, body %s", rec.Code, rec.Body.String())
	}

	// A second device hits the conflict response.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/locks/acquire", "uid-1",
		strings.NewReader(`{"device_id":"device-b"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting acquire: got %d, want 409", rec.Code)
	}
	var conflict map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("conflict body not JSON: %v", err)
	}
	if conflict["error"] != "lock_held_by_other_device" {
		t.Errorf("conflict error = %q", conflict["error"])
	}

	// Release, then the second device takes over.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/locks/release", "uid-1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release: got %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/locks/acquire", "uid-1",
		strings.NewReader(`{"device_id":"device-b"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("takeover acquire: got %d", rec.Code)
	}
}

func TestLockStatusEndpoint(t *testing.T) {
	repo := newAPIRepoStub()
	router := newTestRouter(t, repo)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/v1/locks/status?device_id=device-a", "uid-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/v1/locks/status", "uid-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing device_id: got %d, want 400", rec.Code)
	}
}

func TestLinkValidation(t *testing.T) {
	router := newTestRouter(t, newAPIRepoStub())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/links/purchase-token", "uid-1",
		strings.NewReader(`{"purchase_token":"short"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short purchase token: got %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/links/account-id", "uid-1",
		strings.NewReader(`{"account_id":"abc"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short account id: got %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/links/purchase-token", "uid-1",
		strings.NewReader(`{"purchase_token":"a-long-enough-token"}`)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("valid purchase token: got %d, want 204", rec.Code)
	}
}

func TestRTDNWebhookAcksTestNotification(t *testing.T) {
	repo := newAPIRepoStub()
	router := newTestRouter(t, repo)

	notification := `{"version":"1.0","packageName":"com.alcalc.app","testNotification":{"version":"1.0"}}`
	envelope := fmt.Sprintf(`{"message":{"data":%q,"messageId":"m-1"}}`,
		base64.StdEncoding.EncodeToString([]byte(notification)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rtdn", bytes.NewReader([]byte(envelope))))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", rec.Code)
	}
	if len(repo.audits) != 1 || repo.audits[0].Kind != domain.RTDNKindTest {
		t.Errorf("expected one test-notification audit row, got %+v", repo.audits)
	}
}

func TestRTDNWebhookAcksGarbage(t *testing.T) {
	repo := newAPIRepoStub()
	router := newTestRouter(t, repo)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rtdn", strings.NewReader("not json")))
	if rec.Code != http.StatusNoContent {
		t.Errorf("unparseable push must still ack, got %d", rec.Code)
	}
	// Garbage is dropped but never lost: it lands in the audit trail.
	if len(repo.audits) != 1 {
		t.Fatalf("expected one audit row for the garbage push, got %d", len(repo.audits))
	}
	if repo.audits[0].Kind != domain.RTDNKindUnknownOrOnce || repo.audits[0].Error == "" {
		t.Errorf("expected an unknown-kind audit row carrying the parse error, got %+v", repo.audits[0])
	}
	if string(repo.audits[0].Payload) != "{}" {
		t.Errorf("non-JSON body must be stored as an empty object, got %s", repo.audits[0].Payload)
	}
}

func TestVerifyValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"short token", `{"uid":"uid-1","package_name":"com.alcalc.app","purchase_token":"short"}`},
		{"missing uid", `{"package_name":"com.alcalc.app","purchase_token":"a-long-enough-token"}`},
		{"missing package name", `{"uid":"uid-1","purchase_token":"a-long-enough-token"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			play := &countingPlayStub{}
			router := newTestRouterWith(t, newAPIRepoStub(), play, nil, 0)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/subscriptions/verify",
				strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400", rec.Code)
			}
			if play.calls != 0 {
				t.Errorf("provider must not be consulted for an invalid request, got %d calls", play.calls)
			}
		})
	}
}

func TestPublicRateLimitRejectsOverLimit(t *testing.T) {
	limiter := &limiterStub{count: 6, retryAfter: 30}
	router := newTestRouterWith(t, newAPIRepoStub(), nil, limiter, 5)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rtdn", strings.NewReader(`{}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over the limit: got %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After header: got %q, want \"30\"", got)
	}
	if limiter.calls != 1 {
		t.Errorf("limiter consulted %d times, want 1", limiter.calls)
	}
}

func TestPublicRateLimitFailsOpen(t *testing.T) {
	repo := newAPIRepoStub()
	limiter := &limiterStub{err: errors.New("redis down")}
	router := newTestRouterWith(t, repo, nil, limiter, 5)

	notification := `{"version":"1.0","packageName":"com.alcalc.app","testNotification":{"version":"1.0"}}`
	envelope := fmt.Sprintf(`{"message":{"data":%q,"messageId":"m-2"}}`,
		base64.StdEncoding.EncodeToString([]byte(notification)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rtdn", strings.NewReader(envelope)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("a limiter outage must not block the webhook, got %d", rec.Code)
	}
	if len(repo.audits) != 1 {
		t.Errorf("the request behind the broken limiter was not processed, audits %d", len(repo.audits))
	}
}

func TestGetSubscription(t *testing.T) {
	repo := newAPIRepoStub()
	repo.users["uid-1"] = &domain.UserSubscription{
		UID:                   "uid-1",
		SubscriptionStatus:    domain.StatusActive,
		LastSubscriptionState: "SUBSCRIPTION_STATE_CANCELED",
	}
	router := newTestRouter(t, repo)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/v1/users/me/subscription", "uid-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var resp struct {
		SubscriptionStatus string `json:"subscription_status"`
		ExpiryLabel        string `json:"expiry_label"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.SubscriptionStatus != domain.StatusActive {
		t.Errorf("status = %q", resp.SubscriptionStatus)
	}
	if resp.ExpiryLabel != domain.LabelSubscriptionEnd {
		t.Errorf("canceled state must label the expiry as an end date, got %q", resp.ExpiryLabel)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/v1/users/me/subscription", "uid-unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown user: got %d, want 404", rec.Code)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	router := newTestRouter(t, newAPIRepoStub())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/v1/backups/latest", "uid-1",
		strings.NewReader(`{"notes":[1,2,3]}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("upload: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/v1/backups/latest", "uid-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download: got %d", rec.Code)
	}
	if rec.Body.String() != `{"notes":[1,2,3]}` {
		t.Errorf("round trip lost data: %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/v1/backups/latest", "uid-2", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing backup: got %d, want 404", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, newAPIRepoStub())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health: got %d", rec.Code)
	}
}
