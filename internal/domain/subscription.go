/**
 * @description
 * This file defines the core domain models for the licensing-service: the server-side
 * mirror of a Google Play subscription (one per purchase token) and the derived
 * subscription state stored on the user record, which everything else (client cache,
 * device gating) ultimately reads from.
 */
package domain

import (
	"regexp"
	"time"
)

// Subscription status values stored on the user record.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Label values classifying the cached expiry date for the user: either the date the
// subscription auto-renews, or the date it ends for good.
const (
	LabelAutoRenewal     = "auto_renewal"
	LabelSubscriptionEnd = "subscription_end"
)

// canceledLikePattern matches the Play subscriptionState values that mean the expiry
// date is an end date rather than a renewal date.
var canceledLikePattern = regexp.MustCompile(`(CANCEL|EXPIRE|ON_HOLD|PAUSE)`)

// IsCanceledLikeState reports whether a provider state string indicates the
// subscription will not renew (canceled, expired, on hold or paused).
func IsCanceledLikeState(state string) bool {
	return canceledLikePattern.MatchString(state)
}

// LabelForState derives the renewal/termination label from a provider state string.
func LabelForState(state string) string {
	if IsCanceledLikeState(state) {
		return LabelSubscriptionEnd
	}
	return LabelAutoRenewal
}

// IsActiveByExpiry is the single rule deciding mirror activeness: the expiry must be
// strictly in the future. Zero or missing expiry is never active.
func IsActiveByExpiry(expiryMillis int64, now time.Time) bool {
	return expiryMillis > now.UnixMilli()
}

// SubscriptionMirror is the authoritative server-side copy of a Play subscription,
// keyed by purchase token. Exactly one mirror row exists per token.
type SubscriptionMirror struct {
	PurchaseToken     string    `json:"purchase_token"`
	PackageName       string    `json:"package_name"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	UID               string    `json:"uid,omitempty"`
	SubscriptionState string    `json:"subscription_state,omitempty"`
	NotificationType  int       `json:"notification_type,omitempty"`
	EventTimeMillis   int64     `json:"event_time_millis,omitempty"`
	StartTimeMillis   int64     `json:"start_time_millis,omitempty"`
	ExpiryTimeMillis  int64     `json:"expiry_time_millis,omitempty"`
	StartDate         string    `json:"start_date,omitempty"`
	ExpiryDate        string    `json:"expiry_date,omitempty"`
	IsActive          bool      `json:"is_active"`
	RegionCode        string    `json:"region_code,omitempty"`
	LastFetchAt       time.Time `json:"last_fetch_at"`
	LastRTDNAt        time.Time `json:"last_rtdn_at,omitempty"`
	LastSweepAt       time.Time `json:"last_sweep_at,omitempty"`
}

// RelevantFieldsChanged reports whether the fields that matter for propagation to the
// user record differ between two mirror snapshots. A nil before means a fresh mirror,
// which always counts as changed.
func (m *SubscriptionMirror) RelevantFieldsChanged(before *SubscriptionMirror) bool {
	if before == nil {
		return true
	}
	return before.IsActive != m.IsActive ||
		before.ExpiryTimeMillis != m.ExpiryTimeMillis ||
		before.SubscriptionState != m.SubscriptionState ||
		before.NotificationType != m.NotificationType ||
		before.RegionCode != m.RegionCode
}

// UserSubscription is the derived subscription state written onto the user record.
// It is the single source of truth the client's offline cache is refreshed from.
type UserSubscription struct {
	UID                   string    `json:"uid"`
	Email                 string    `json:"email,omitempty"`
	SubscriptionStatus    string    `json:"subscription_status"`
	ExpiryTimeMillis      int64     `json:"expiry_time_millis,omitempty"`
	ExpiryDate            string    `json:"expiry_date,omitempty"`
	StartDate             string    `json:"start_date,omitempty"`
	LastSubscriptionState string    `json:"last_subscription_state,omitempty"`
	LastNotificationType  int       `json:"last_notification_type,omitempty"`
	LastRegionCode        string    `json:"last_region_code,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// UserPatchFromMirror converts a mirror into the patch applied to the user record.
func UserPatchFromMirror(m *SubscriptionMirror, now time.Time) *UserSubscription {
	status := StatusInactive
	if IsActiveByExpiry(m.ExpiryTimeMillis, now) {
		status = StatusActive
	}
	return &UserSubscription{
		UID:                   m.UID,
		SubscriptionStatus:    status,
		ExpiryTimeMillis:      m.ExpiryTimeMillis,
		ExpiryDate:            m.ExpiryDate,
		StartDate:             m.StartDate,
		LastSubscriptionState: m.SubscriptionState,
		LastNotificationType:  m.NotificationType,
		LastRegionCode:        m.RegionCode,
		UpdatedAt:             now,
	}
}

// MillisToISO renders an epoch-millisecond timestamp as an ISO-8601 string, or ""
// for zero/negative values. Mirror rows carry both representations like the
// original documents did.
func MillisToISO(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
