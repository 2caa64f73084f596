/**
 * @description
 * This file implements the data access layer for the licensing-service.
 * A single Repository backed by a pgx connection pool serves all concerns;
 * the per-concern methods live in sibling files.
 */
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors mapped from pgx.ErrNoRows by the concern-specific methods.
var (
	ErrMirrorNotFound = errors.New("subscription mirror not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrLinkNotFound   = errors.New("link not found")
	ErrLockNotFound   = errors.New("device lock not found")
	ErrBackupNotFound = errors.New("backup pointer not found")
)

// Repository handles database operations for the licensing-service.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}
