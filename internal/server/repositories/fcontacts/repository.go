// Package fcontacts persists the cache of remote federated persons: one
// row per handle with the public key and delivery endpoints learned from
// probing. Rows are upserted, never deleted.
package fcontacts

import (
	"context"

	"github.com/dsievert/federation/internal/server/models"
)

type Repository interface {
	FindByHandle(ctx context.Context, handle string) (*models.Person, error)
	Upsert(ctx context.Context, person *models.Person) (*models.Person, error)
}
