// Package signatures persists the signed text captured when a relayable
// message is received, so the thread owner can relay it later with a
// parent-level signature over the identical bytes.
package signatures

import (
	"context"

	"github.com/dsievert/federation/internal/server/models"
)

type Repository interface {
	Store(ctx context.Context, rec *models.SignatureRecord) error
	FindByItem(ctx context.Context, itemID int64) (*models.SignatureRecord, error)
}
