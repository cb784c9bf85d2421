// Package queue persists envelopes that could not be delivered, for the
// redelivery worker to retry. Entries are deduplicated on
// (contact, network, content, batch).
package queue

import (
	"context"

	"github.com/dsievert/federation/internal/server/models"
)

type Repository interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	List(ctx context.Context, limit int) ([]*models.QueueEntry, error)
	Touch(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}
