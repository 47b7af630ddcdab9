// Package idempotency declares the relational store for idempotency records.
package idempotency

import (
	"context"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
)

// Repository persists idempotency records keyed by (key, method, path).
type Repository interface {
	// Get returns the record created after notBefore, or common.ErrorNotFound.
	Get(ctx context.Context, key, method, path string, notBefore time.Time) (*models.IdempotencyRecord, error)

	// Upsert writes rec, replacing any row with the same (key, method, path).
	Upsert(ctx context.Context, rec *models.IdempotencyRecord) error

	// DeleteCreatedBefore removes records created at or before cutoff.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
