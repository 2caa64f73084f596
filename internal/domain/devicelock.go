/**
 * @description
 * This file defines the device-lock model and the pure transition resolver used by the
 * store's transactional acquire. A device lock restricts an account to a single active
 * device session; ownership transfers only through explicit acquire/release transitions.
 */
package domain

import (
	"errors"
	"time"
)

// Lock status values.
const (
	LockStatusActive   = "active"
	LockStatusReleased = "released"
)

// ErrLockHeldByOtherDevice is the expected, recoverable condition when another device
// owns the active lock. Callers route to the gate screen with a notice, not an error page.
var ErrLockHeldByOtherDevice = errors.New("device lock held by another device")

// DeviceLock is the per-account single-owner session lock. One row per uid.
type DeviceLock struct {
	UID        string     `json:"uid"`
	DeviceID   string     `json:"device_id"`
	Platform   string     `json:"platform"`
	AppBuild   *int       `json:"app_build,omitempty"`
	Status     string     `json:"status"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// LockRequest carries the acquiring device's identity.
type LockRequest struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	AppBuild *int   `json:"app_build,omitempty"`
}

// LockDecision is the outcome of evaluating a lock acquisition against the current row.
type LockDecision int

const (
	// LockCreate means no lock exists yet; create one bound to the requesting device.
	LockCreate LockDecision = iota
	// LockKeep means the requesting device already holds a non-released lock; no-op.
	LockKeep
	// LockReassign means the lock is released (or in an odd state) and should be
	// rebound to the requesting device.
	LockReassign
	// LockDenied means another device holds the active lock.
	LockDenied
)

// ResolveLockTransition evaluates the four acquire branches against the current lock
// row. It is pure so every branch can be tested without a database; the store runs it
// inside a row-locked transaction so only one of two racing acquirers observes the
// row unclaimed.
func ResolveLockTransition(current *DeviceLock, deviceID string) LockDecision {
	if current == nil {
		return LockCreate
	}
	if current.DeviceID == deviceID && current.Status != LockStatusReleased {
		return LockKeep
	}
	if current.Status == LockStatusReleased {
		return LockReassign
	}
	if current.DeviceID != deviceID && current.Status == LockStatusActive {
		return LockDenied
	}
	// Any other odd state: reassign to the requester rather than wedging the account.
	return LockReassign
}
