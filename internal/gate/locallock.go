/**
 * @description
 * This file implements the advisory local tier of the two-tier device lock: a JSON
 * file per account uid consulted only when the device is offline. The remote lock is
 * authoritative; its outcome rewrites the local record whenever the server is
 * reachable. It also persists the stable device id and the pending-release queue.
 */
package gate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// LocalLock is the advisory lock record for one account.
type LocalLock struct {
	UID           string    `json:"uid"`
	OwnerDeviceID string    `json:"ownerDeviceId"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// LockStore persists the local lock records, the device identity and the queue of
// releases that could not reach the server.
type LockStore struct {
	dir string

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewLockStore creates a store rooted at the given directory.
func NewLockStore(dir string) (*LockStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LockStore{dir: dir, now: time.Now}, nil
}

// EnsureDeviceID returns the stable device identifier, generating and persisting one
// on first run.
func (s *LockStore) EnsureDeviceID() (string, error) {
	path := filepath.Join(s.dir, "device_id")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func (s *LockStore) lockPath(uid string) string {
	return filepath.Join(s.dir, "lock-"+uid+".json")
}

func (s *LockStore) readLock(uid string) *LocalLock {
	data, err := os.ReadFile(s.lockPath(uid))
	if err != nil {
		return nil
	}
	var lock LocalLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil
	}
	return &lock
}

// Claim attempts the offline advisory claim: an unclaimed record or one already
// owned by this device is (re)claimed; a record owned by another device denies.
func (s *LockStore) Claim(uid, deviceID string) (bool, error) {
	current := s.readLock(uid)
	if current != nil && current.OwnerDeviceID != "" && current.OwnerDeviceID != deviceID {
		return false, nil
	}
	return true, s.Set(uid, deviceID)
}

// Set rewrites the local record unconditionally. Used both by Claim and to mirror
// the remote lock's outcome, which always wins once the server is reachable.
func (s *LockStore) Set(uid, deviceID string) error {
	lock := LocalLock{UID: uid, OwnerDeviceID: deviceID, UpdatedAt: s.now()}
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return os.WriteFile(s.lockPath(uid), data, 0o600)
}

// Release drops the local record for an account.
func (s *LockStore) Release(uid string) error {
	err := os.Remove(s.lockPath(uid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *LockStore) pendingPath() string {
	return filepath.Join(s.dir, "pending_releases.json")
}

// QueueRelease records a release that could not reach the server, to be retried at
// the next startup. Duplicate uids collapse to one entry.
func (s *LockStore) QueueRelease(uid string) error {
	pending := s.PendingReleases()
	for _, existing := range pending {
		if existing == uid {
			return nil
		}
	}
	pending = append(pending, uid)
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return os.WriteFile(s.pendingPath(), data, 0o600)
}

// PendingReleases lists queued releases. Corrupt or missing files yield none.
func (s *LockStore) PendingReleases() []string {
	data, err := os.ReadFile(s.pendingPath())
	if err != nil {
		return nil
	}
	var pending []string
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil
	}
	return pending
}

// ClearPending empties the queue after the releases were delivered.
func (s *LockStore) ClearPending() error {
	err := os.Remove(s.pendingPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
