/**
 * @description
 * This file implements the expiry guard: a watcher armed only while the user is
 * inside the app area. Every trigger re-reads the offline cache, cancels the
 * previously armed deadline and re-arms a timer at exactly (expiry - now). An
 * inactive record kicks the user back to the gate, at most once per guard lifetime.
 */
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxTimerDelay caps a single arm so far-future expiries re-arm periodically
// instead of overflowing the timer.
const maxTimerDelay = 24 * time.Hour

// defaultPollInterval is the coarse safety poll between event-driven triggers.
const defaultPollInterval = 5 * time.Second

// Guard watches the offline cache for expiry while the app area is active.
type Guard struct {
	cache   *Cache
	notices *Notices
	logger  *slog.Logger
	email   string

	// kick navigates back to the gate. Called at most once.
	kick func()

	mu     sync.Mutex
	timer  *time.Timer
	kicked bool

	pollInterval time.Duration

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewGuard creates a guard for the given account.
func NewGuard(cache *Cache, notices *Notices, logger *slog.Logger, email string, kick func()) *Guard {
	return &Guard{
		cache:        cache,
		notices:      notices,
		logger:       logger,
		email:        email,
		kick:         kick,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Trigger re-evaluates the cached record and re-arms the deadline. Called on start,
// resume, visibility regained and cache updates; also by the poll loop and by the
// armed timer itself when the deadline fires.
func (g *Guard) Trigger() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.kicked {
		return
	}

	now := g.now()
	record := g.cache.Load(g.email)
	if !IsActive(record, now) {
		g.fireLocked()
		return
	}

	remaining := time.Duration(record.ExpiryTimeMillis-now.UnixMilli()) * time.Millisecond
	if remaining > maxTimerDelay {
		remaining = maxTimerDelay
	}
	if remaining < 0 {
		remaining = 0
	}

	// Cancel the previous deadline before arming the next so overlapping triggers
	// never leave two timers running.
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(remaining, g.Trigger)
}

// fireLocked performs the single kick. Caller holds g.mu.
func (g *Guard) fireLocked() {
	if g.kicked {
		return
	}
	g.kicked = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if err := g.notices.Post(NoticeSubscriptionExpired, "Your subscription has expired."); err != nil {
		g.logger.Warn("failed to post expiry notice", "error", err)
	}
	g.logger.Info("subscription expired, leaving app area", "email", g.email)
	g.kick()
}

// Run drives the coarse safety poll until the context is cancelled or the guard
// has kicked.
func (g *Guard) Run(ctx context.Context) {
	g.Trigger()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.Stop()
			return
		case <-ticker.C:
			g.mu.Lock()
			done := g.kicked
			g.mu.Unlock()
			if done {
				return
			}
			g.Trigger()
		}
	}
}

// Stop cancels any armed deadline without kicking.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
