/**
 * @description
 * This file sets up the HTTP router for the licensing-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * standard middleware stack plus JWT authentication for the protected group.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes creates and returns the router for the licensing service.
func Routes(h *Handler, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public endpoints: the notification push and post-purchase verification happen
	// before any authenticated session exists. Both are rate limited.
	r.Post("/v1/rtdn", h.handleRTDN)
	r.Post("/v1/subscriptions/verify", h.handleVerify)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/v1/locks/acquire", h.handleAcquireLock)
		r.Post("/v1/locks/release", h.handleReleaseLock)
		r.Get("/v1/locks/status", h.handleLockStatus)

		r.Post("/v1/links/purchase-token", h.handleLinkPurchaseToken)
		r.Post("/v1/links/account-id", h.handleLinkAccountID)

		r.Get("/v1/users/me/subscription", h.handleGetSubscription)
		r.Post("/v1/announcements", h.handleAnnounce)

		r.Get("/v1/backups/latest", h.handleDownloadBackup)
		r.Post("/v1/backups/latest", h.handleUploadBackup)
	})

	return r
}
