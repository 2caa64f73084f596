/**
 * @description
 * This file contains the HTTP handler functions for the licensing-service. Handlers
 * parse incoming requests, call the appropriate business logic in the service layer,
 * and write the HTTP response.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alcalc/licensing-service/internal/app"
	"github.com/alcalc/licensing-service/internal/domain"
	"github.com/alcalc/licensing-service/internal/store"
	"github.com/alcalc/licensing-service/pkg/playclient"
)

const (
	minPurchaseTokenLength = 10
	minAccountIDLength     = 6
)

// RateLimiter counts a request against a fixed window and reports the running count.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Handler holds the application services the HTTP layer dispatches to.
type Handler struct {
	service *app.Service
	backups *app.Backups

	limiter            RateLimiter
	rateLimitPerMinute int
}

// NewHandler creates a new Handler.
func NewHandler(service *app.Service, backups *app.Backups, limiter RateLimiter, rateLimitPerMinute int) *Handler {
	return &Handler{
		service:            service,
		backups:            backups,
		limiter:            limiter,
		rateLimitPerMinute: rateLimitPerMinute,
	}
}

// allowPublic applies the fixed-window rate limit to an unauthenticated endpoint,
// keyed by remote address. Limiter failures fail open: a Redis outage must not take
// the webhook down with it.
func (h *Handler) allowPublic(w http.ResponseWriter, r *http.Request, scope string) bool {
	if h.limiter == nil {
		return true
	}
	subject, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		subject = r.RemoteAddr
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, subject, h.rateLimitPerMinute, time.Minute)
	if err != nil {
		log.Printf("rate limiter unavailable for %s: %v", scope, err)
		return true
	}
	if h.rateLimitPerMinute > 0 && count > h.rateLimitPerMinute {
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

// handleRTDN receives the Pub/Sub push for Play developer notifications. Whatever
// the payload classifies as, the response is 204 so the broker stops redelivering;
// only infrastructure failures return 5xx to trigger a retry.
func (h *Handler) handleRTDN(w http.ResponseWriter, r *http.Request) {
	if !h.allowPublic(w, r, "rtdn") {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	ev, err := domain.ParseRTDN(body)
	if err != nil {
		log.Printf("auditing unparseable notification: %v", err)
		if auditErr := h.service.AuditRaw(r.Context(), body, err); auditErr != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.service.HandleRTDN(r.Context(), ev); err != nil {
		log.Printf("failed to handle notification for token %s: %v", ev.PurchaseToken, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerify synchronously verifies a purchase token against the provider and
// mirrors the result. Called by the client right after a purchase completes, before
// any auth token for the new entitlement exists, so it is public but rate limited.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !h.allowPublic(w, r, "verify") {
		return
	}

	var req struct {
		UID           string `json:"uid"`
		PackageName   string `json:"package_name"`
		PurchaseToken string `json:"purchase_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UID == "" || req.PackageName == "" || len(req.PurchaseToken) < minPurchaseTokenLength {
		http.Error(w, "uid, package_name and purchase_token are required", http.StatusBadRequest)
		return
	}

	mirror, err := h.service.VerifyAndSave(r.Context(), req.UID, req.PackageName, req.PurchaseToken)
	if err != nil {
		var provider *playclient.ErrorResponse
		if errors.As(err, &provider) {
			log.Printf("provider rejected verify for token %s: %v", req.PurchaseToken, err)
			http.Error(w, "Subscription provider rejected the token", http.StatusBadGateway)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, mirror)
}

// handleAcquireLock binds the account's device lock to the calling device.
func (h *Handler) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req domain.LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	lock, err := h.service.AcquireLock(r.Context(), uid, req)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeldByOtherDevice) {
			respondWithJSON(w, http.StatusConflict, map[string]string{"error": "lock_held_by_other_device"})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, lock)
}

// handleReleaseLock releases the account's device lock. Always 204: a release that
// fails server-side must not block the client's sign-out.
func (h *Handler) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.service.ReleaseLock(r.Context(), uid)
	w.WriteHeader(http.StatusNoContent)
}

// handleLockStatus reports whether the calling device may use the account.
func (h *Handler) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	status := h.service.LockStatus(r.Context(), uid, deviceID)
	respondWithJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleLinkPurchaseToken records a purchase-token→uid mapping.
func (h *Handler) handleLinkPurchaseToken(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PurchaseToken string `json:"purchase_token"`
		PackageName   string `json:"package_name"`
		Email         string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.PurchaseToken) < minPurchaseTokenLength {
		http.Error(w, "purchase_token is too short", http.StatusBadRequest)
		return
	}

	if err := h.service.LinkPurchaseToken(r.Context(), uid, req.PurchaseToken, req.PackageName, req.Email); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLinkAccountID records an obfuscated-account-id→uid mapping.
func (h *Handler) handleLinkAccountID(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.AccountID) < minAccountIDLength {
		http.Error(w, "account_id is too short", http.StatusBadRequest)
		return
	}

	if err := h.service.LinkAccountID(r.Context(), uid, req.AccountID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSubscription returns the caller's derived subscription state, plus the
// label telling the client whether the expiry date renews or terminates.
func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sub, label, err := h.service.GetUserSubscription(r.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			http.Error(w, "No subscription record", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, struct {
		*domain.UserSubscription
		ExpiryLabel string `json:"expiry_label"`
	}{sub, label})
}

// handleAnnounce publishes an announcement for downstream push fan-out.
func (h *Handler) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if _, ok := UserFromContext(r.Context()); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Announce(r.Context(), req.Title, req.Body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleUploadBackup stores the request body as the caller's latest backup blob.
func (h *Handler) handleUploadBackup(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := h.backups.SaveLatest(r.Context(), uid, r.Body); err != nil {
		log.Printf("failed to store backup for %s: %v", uid, err)
		http.Error(w, "Failed to store backup", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownloadBackup streams the caller's latest backup blob.
func (h *Handler) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rc, size, err := h.backups.OpenLatest(r.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrBackupNotFound) {
			http.Error(w, "No backup found", http.StatusNotFound)
			return
		}
		log.Printf("failed to open backup for %s: %v", uid, err)
		http.Error(w, "Failed to read backup", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("failed to stream backup for %s: %v", uid, err)
	}
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
