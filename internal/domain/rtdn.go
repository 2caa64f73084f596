/**
 * @description
 * This file models Google Play Real-Time Developer Notifications (RTDN) as a tagged
 * union of known notification kinds, parsed through a single validating boundary.
 * Anything the boundary cannot classify fails closed into the audit kind so a single
 * malformed delivery never takes the reconciliation path.
 */
package domain

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
)

// RTDN kinds, also used as the audit-trail row kind.
const (
	RTDNKindTest          = "test_notification"
	RTDNKindSubscription  = "subscription"
	RTDNKindUnknownOrOnce = "unknown_or_one_time"
	RTDNKindFetchError    = "fetch_error"
)

// PubSubEnvelope is the Pub/Sub push wrapper the webhook receives. The actual
// developer notification is base64-encoded in Message.Data.
type PubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// rawDeveloperNotification is the wire shape of the decoded notification. All
// sub-objects are optional; which one is present decides the kind.
type rawDeveloperNotification struct {
	Version                  string          `json:"version"`
	PackageName              string          `json:"packageName"`
	EventTimeMillis          json.Number     `json:"eventTimeMillis"`
	TestNotification         json.RawMessage `json:"testNotification,omitempty"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification json.RawMessage `json:"oneTimeProductNotification,omitempty"`
}

// RTDNEvent is the parsed, classified notification. Fields beyond Kind and Raw are
// populated only for RTDNKindSubscription.
type RTDNEvent struct {
	Kind             string
	PackageName      string
	EventTimeMillis  int64
	PurchaseToken    string
	SubscriptionID   string
	NotificationType int
	// Raw keeps the decoded payload for the audit trail.
	Raw json.RawMessage
}

// ParseRTDN decodes a Pub/Sub push body into a classified event. It never returns a
// reconcilable event unless packageName, a subscriptionNotification and a purchase
// token are all present; every other shape classifies as test or unknown so the
// caller can audit-and-drop it.
func ParseRTDN(body []byte) (*RTDNEvent, error) {
	var env PubSubEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	payload := []byte(env.Message.Data)
	if decoded, err := base64.StdEncoding.DecodeString(env.Message.Data); err == nil {
		payload = decoded
	}

	var raw rawDeveloperNotification
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	ev := &RTDNEvent{
		PackageName: raw.PackageName,
		Raw:         json.RawMessage(payload),
	}
	if ms, err := strconv.ParseInt(raw.EventTimeMillis.String(), 10, 64); err == nil {
		ev.EventTimeMillis = ms
	}

	if raw.TestNotification != nil {
		ev.Kind = RTDNKindTest
		return ev, nil
	}

	sub := raw.SubscriptionNotification
	if raw.PackageName == "" || sub == nil || sub.PurchaseToken == "" {
		ev.Kind = RTDNKindUnknownOrOnce
		return ev, nil
	}

	ev.Kind = RTDNKindSubscription
	ev.PurchaseToken = sub.PurchaseToken
	ev.SubscriptionID = sub.SubscriptionID
	ev.NotificationType = sub.NotificationType
	return ev, nil
}
