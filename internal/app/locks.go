/**
 * @description
 * Device-lock business logic: single-session enforcement per account. The heavy
 * lifting (the atomic four-branch transition) lives in the repository transaction;
 * this layer adds the release/status semantics the clients rely on.
 */
package app

import (
	"context"
	"errors"

	"github.com/alcalc/licensing-service/internal/domain"
	"github.com/alcalc/licensing-service/internal/store"
)

// Lock status strings returned by LockStatus.
const (
	LockStatusOK    = "ok"
	LockStatusTaken = "taken"
)

// AcquireLock attempts to bind the account's device lock to the requesting device.
// Idempotent for the current owner; returns domain.ErrLockHeldByOtherDevice when
// another device holds the active lock.
func (s *Service) AcquireLock(ctx context.Context, uid string, req domain.LockRequest) (*domain.DeviceLock, error) {
	return s.repo.AcquireDeviceLock(ctx, uid, req)
}

// ReleaseLock marks the account's lock released. Release must never block a
// sign-out: persistence failures are logged and swallowed, leaving the row for the
// next acquire (or the sweep of a lapsed subscription) to straighten out.
func (s *Service) ReleaseLock(ctx context.Context, uid string) {
	if err := s.repo.ReleaseDeviceLock(ctx, uid, s.now()); err != nil {
		s.logger.Error("best-effort lock release failed", "uid", uid, "error", err)
	}
}

// LockStatus reports "ok" when the device may proceed (no lock, released lock, or a
// lock it owns) and "taken" when another device holds the active lock. Read failures
// report "ok" so a flaky connection never locks the user out of their own session.
func (s *Service) LockStatus(ctx context.Context, uid, deviceID string) string {
	lock, err := s.repo.GetDeviceLock(ctx, uid)
	if err != nil {
		if !errors.Is(err, store.ErrLockNotFound) {
			s.logger.Warn("lock status read failed; reporting ok", "uid", uid, "error", err)
		}
		return LockStatusOK
	}
	if lock.Status == domain.LockStatusReleased {
		return LockStatusOK
	}
	if lock.DeviceID == deviceID {
		return LockStatusOK
	}
	return LockStatusTaken
}
