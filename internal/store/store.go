// Package store provides the active-tier record store and its SQLite implementation.
package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/model"
)

// Store defines the active-tier storage interface.
type Store interface {
	// Insert stores a new record. Returns model.ErrDuplicateID if the id exists.
	Insert(ctx context.Context, r model.Record) (string, error)

	// Get retrieves a record by id. Returns model.ErrNotFound if absent.
	Get(ctx context.Context, id string) (model.Record, error)

	// QueryByEntities returns records sharing at least one entity,
	// newest first, then by number of matching entities.
	QueryByEntities(ctx context.Context, entities []string, limit int) ([]model.Record, error)

	// GetOldest returns up to n records by ascending timestamp.
	GetOldest(ctx context.Context, n int) ([]model.Record, error)

	// Update replaces a record with its merge product.
	Update(ctx context.Context, r model.Record) error

	// DeleteByIDs removes records and their index rows.
	DeleteByIDs(ctx context.Context, ids []string) error

	// Count returns the number of active records without touching the database.
	Count() int

	// Close closes the store.
	Close() error
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used for index repair warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *SQLiteStore) {
		if l != nil {
			s.log = l
		}
	}
}
