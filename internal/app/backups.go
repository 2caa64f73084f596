/**
 * @description
 * This file contains the backup business logic: storing a user's latest backup blob
 * and streaming it back on restore. Blob bytes live in the blob store; only the
 * current path is recorded in the database.
 */
package app

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// BackupRepository defines the metadata operations the backup service needs.
type BackupRepository interface {
	GetBackupPath(ctx context.Context, uid string) (string, error)
	SetBackupPath(ctx context.Context, uid, path string, at time.Time) error
}

// BackupStore defines the blob operations the backup service needs.
type BackupStore interface {
	Save(uid string, r io.Reader) (path string, size int64, err error)
	Open(path string) (io.ReadCloser, int64, error)
}

// Backups provides save/restore of per-user backup blobs.
type Backups struct {
	repo   BackupRepository
	store  BackupStore
	logger *slog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewBackups creates a new backup service.
func NewBackups(repo BackupRepository, store BackupStore, logger *slog.Logger) *Backups {
	return &Backups{repo: repo, store: store, logger: logger, now: time.Now}
}

// SaveLatest persists the blob and records its path as the user's latest backup.
func (b *Backups) SaveLatest(ctx context.Context, uid string, r io.Reader) (int64, error) {
	path, size, err := b.store.Save(uid, r)
	if err != nil {
		return 0, err
	}
	if err := b.repo.SetBackupPath(ctx, uid, path, b.now()); err != nil {
		return 0, err
	}
	b.logger.Info("stored user backup", "uid", uid, "bytes", size)
	return size, nil
}

// OpenLatest streams the user's most recent backup blob. Returns
// store.ErrBackupNotFound when the user has never backed up.
func (b *Backups) OpenLatest(ctx context.Context, uid string) (io.ReadCloser, int64, error) {
	path, err := b.repo.GetBackupPath(ctx, uid)
	if err != nil {
		return nil, 0, err
	}
	return b.store.Open(path)
}
