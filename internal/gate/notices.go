/**
 * @description
 * This file implements the one-shot notice queue: typed messages posted by the
 * router or the expiry guard and consumed exactly once by the gate screen.
 */
package gate

import (
	"encoding/json"
	"os"
	"time"
)

// NoticeKind identifies why the user landed on the gate screen.
type NoticeKind string

const (
	NoticeLockHeld            NoticeKind = "lock_held_by_other_device"
	NoticeSubscriptionExpired NoticeKind = "subscription_expired"
	NoticeNetworkRequired     NoticeKind = "network_required"
)

// Notice is a single user-facing message, consumed once then cleared.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Message  string     `json:"message,omitempty"`
	PostedAt time.Time  `json:"postedAt"`
}

// Notices persists pending notices in a single JSON file.
type Notices struct {
	path string

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewNotices creates a notice queue backed by the given file path.
func NewNotices(path string) *Notices {
	return &Notices{path: path, now: time.Now}
}

func (n *Notices) readAll() []Notice {
	data, err := os.ReadFile(n.path)
	if err != nil {
		return nil
	}
	var notices []Notice
	if err := json.Unmarshal(data, &notices); err != nil {
		return nil
	}
	return notices
}

func (n *Notices) writeAll(notices []Notice) error {
	if len(notices) == 0 {
		err := os.Remove(n.path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data, err := json.Marshal(notices)
	if err != nil {
		return err
	}
	return os.WriteFile(n.path, data, 0o600)
}

// Post appends a notice. Posting the same kind twice before consumption collapses
// to the newest message so the gate screen never shows duplicates.
func (n *Notices) Post(kind NoticeKind, message string) error {
	notices := n.readAll()
	filtered := notices[:0]
	for _, existing := range notices {
		if existing.Kind != kind {
			filtered = append(filtered, existing)
		}
	}
	filtered = append(filtered, Notice{Kind: kind, Message: message, PostedAt: n.now()})
	return n.writeAll(filtered)
}

// Consume returns the oldest pending notice and removes it, or nil when none exist.
func (n *Notices) Consume() (*Notice, error) {
	notices := n.readAll()
	if len(notices) == 0 {
		return nil, nil
	}
	first := notices[0]
	if err := n.writeAll(notices[1:]); err != nil {
		return nil, err
	}
	return &first, nil
}
