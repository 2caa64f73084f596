/**
 * @description
 * This file implements the startup router as an explicit state machine. A fresh
 * router is created per launch or auth change; Resolve runs the decision rules once
 * and the resulting state is terminal for the instance's lifetime.
 */
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alcalc/licensing-service/pkg/gateclient"
)

// State is the router's position in the startup state machine.
type State int

const (
	StateInitializing State = iota
	StateRoutedToApp
	StateRoutedToGate
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRoutedToApp:
		return "routed_to_app"
	case StateRoutedToGate:
		return "routed_to_gate"
	default:
		return "unknown"
	}
}

// Session describes the authentication and connectivity context Resolve runs under.
type Session struct {
	Authenticated bool
	UID           string
	Email         string
	DeviceID      string
	Platform      string
	Online        bool
}

// Server is the subset of the licensing-service API the router needs.
type Server interface {
	AcquireLock(ctx context.Context, deviceID, platform string) (*gateclient.DeviceLock, error)
	GetSubscription(ctx context.Context) (*gateclient.Subscription, error)
}

// Router evaluates the startup decision rules exactly once.
type Router struct {
	server  Server
	cache   *Cache
	locks   *LockStore
	notices *Notices
	logger  *slog.Logger

	state    State
	resolved bool

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewRouter creates a router in the initializing state.
func NewRouter(server Server, cache *Cache, locks *LockStore, notices *Notices, logger *slog.Logger) *Router {
	return &Router{
		server:  server,
		cache:   cache,
		locks:   locks,
		notices: notices,
		logger:  logger,
		state:   StateInitializing,
		now:     time.Now,
	}
}

// State returns the current state.
func (r *Router) State() State {
	return r.state
}

// Resolve runs the startup decision once. Subsequent calls return the settled state
// without re-evaluating, which guards against duplicate navigation from overlapping
// callbacks.
func (r *Router) Resolve(ctx context.Context, s Session) State {
	if r.resolved {
		return r.state
	}
	r.state = r.decide(ctx, s)
	r.resolved = true
	r.logger.Info("startup route settled", "state", r.state.String(), "online", s.Online)
	return r.state
}

func (r *Router) decide(ctx context.Context, s Session) State {
	if !s.Authenticated {
		return StateRoutedToGate
	}

	now := r.now()
	record := r.cache.Load(s.Email)
	if IsActive(record, now) {
		return r.routeWithLock(ctx, s)
	}

	if s.Online {
		fresh, err := r.refreshCache(ctx, s)
		if err != nil {
			r.logger.Warn("subscription refresh failed", "error", err)
			return StateRoutedToGate
		}
		if IsActive(fresh, now) {
			return r.routeWithLock(ctx, s)
		}
		return StateRoutedToGate
	}

	// Offline with no valid cache: nothing vouches for the subscription.
	return StateRoutedToGate
}

// routeWithLock applies the two-tier lock rule: the remote lock is consulted when
// online and always wins, rewriting the local advisory record with its outcome; the
// local record is consulted only when offline.
func (r *Router) routeWithLock(ctx context.Context, s Session) State {
	if s.Online {
		_, err := r.server.AcquireLock(ctx, s.DeviceID, s.Platform)
		if err != nil {
			if errors.Is(err, gateclient.ErrLockHeld) {
				r.notices.Post(NoticeLockHeld, "This account is in use on another device.")
				return StateRoutedToGate
			}
			r.logger.Warn("lock acquire failed", "error", err)
			r.notices.Post(NoticeNetworkRequired, "Could not verify the device session. Try again.")
			return StateRoutedToGate
		}
		if err := r.locks.Set(s.UID, s.DeviceID); err != nil {
			r.logger.Warn("failed to mirror remote lock locally", "error", err)
		}
		return StateRoutedToApp
	}

	claimed, err := r.locks.Claim(s.UID, s.DeviceID)
	if err != nil {
		r.logger.Warn("local lock claim failed", "error", err)
		return StateRoutedToGate
	}
	if !claimed {
		r.notices.Post(NoticeLockHeld, "This account is in use on another device.")
		return StateRoutedToGate
	}
	return StateRoutedToApp
}

// refreshCache fetches authoritative state, saves it into the offline cache and
// returns the fresh record.
func (r *Router) refreshCache(ctx context.Context, s Session) (*Record, error) {
	sub, err := r.server.GetSubscription(ctx)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}

	record := Record{
		ExpiryTimeMillis:  sub.ExpiryTimeMillis,
		SubscriptionState: sub.LastSubscriptionState,
		Label:             sub.ExpiryLabel,
	}
	if err := r.cache.Save(s.Email, record); err != nil {
		r.logger.Warn("failed to save offline cache", "error", err)
	}
	return &record, nil
}
