/**
 * @description
 * This file implements the device-side offline subscription cache: a JSON file map
 * keyed by lowercase email, consulted whenever the device has no connectivity.
 * Activeness is always derived from the stored fields, never stored directly.
 */
package gate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alcalc/licensing-service/internal/domain"
)

// Record is one cached subscription snapshot for an account.
type Record struct {
	ExpiryTimeMillis  int64     `json:"expiryTimeMillis,omitempty"`
	SubscriptionState string    `json:"subscriptionState,omitempty"`
	Label             string    `json:"label,omitempty"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// IsActive derives activeness purely from the record's fields: a termination label or
// a canceled-like state means inactive regardless of expiry; otherwise the expiry must
// be strictly in the future. Safe to call with stale data, nil means inactive.
func IsActive(r *Record, now time.Time) bool {
	if r == nil {
		return false
	}
	if r.Label == domain.LabelSubscriptionEnd {
		return false
	}
	if domain.IsCanceledLikeState(r.SubscriptionState) {
		return false
	}
	return domain.IsActiveByExpiry(r.ExpiryTimeMillis, now)
}

// Cache reads and writes the offline subscription map file.
type Cache struct {
	path string

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewCache creates a cache backed by the given file path.
func NewCache(path string) *Cache {
	return &Cache{path: path, now: time.Now}
}

func cacheKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// readAll loads the whole map. Missing or corrupt files yield an empty map; the
// cache is advisory and must never fail a startup because of bad local state.
func (c *Cache) readAll() map[string]Record {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return map[string]Record{}
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return map[string]Record{}
	}
	return records
}

func (c *Cache) writeAll(records map[string]Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600)
}

// Load returns the cached record for an email, or nil when none exists.
func (c *Cache) Load(email string) *Record {
	records := c.readAll()
	if r, ok := records[cacheKey(email)]; ok {
		return &r
	}
	return nil
}

// Save merges a patch into the stored record: zero-valued patch fields retain the
// previous values, and LastUpdated is always stamped with the current time.
func (c *Cache) Save(email string, patch Record) error {
	records := c.readAll()
	key := cacheKey(email)

	merged := records[key]
	if patch.ExpiryTimeMillis != 0 {
		merged.ExpiryTimeMillis = patch.ExpiryTimeMillis
	}
	if patch.SubscriptionState != "" {
		merged.SubscriptionState = patch.SubscriptionState
	}
	if patch.Label != "" {
		merged.Label = patch.Label
	}
	merged.LastUpdated = c.now()

	records[key] = merged
	return c.writeAll(records)
}

// Clear removes the cached record for an email.
func (c *Cache) Clear(email string) error {
	records := c.readAll()
	delete(records, cacheKey(email))
	return c.writeAll(records)
}
