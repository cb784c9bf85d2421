package fcontacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/dbx"
	"github.com/dsievert/federation/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindByHandle(ctx context.Context, handle string) (*models.Person, error) {
	query :=
		`SELECT id, handle, guid, name, url, photo_url, batch_url, notify_url, poll_url, public_key, network, updated_at
		 FROM fcontact
		 WHERE handle = $1
		 `

	p := &models.Person{}
	err := r.db.QueryRowContext(ctx, query, handle).Scan(
		&p.ID, &p.Handle, &p.GUID, &p.Name, &p.URL, &p.PhotoURL,
		&p.BatchURL, &p.NotifyURL, &p.PollURL, &p.PublicKey, &p.Network, &p.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return p, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, person *models.Person) (*models.Person, error) {
	query :=
		`INSERT INTO fcontact (handle, guid, name, url, photo_url, batch_url, notify_url, poll_url, public_key, network, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (handle) DO UPDATE SET
		   guid = EXCLUDED.guid,
		   name = EXCLUDED.name,
		   url = EXCLUDED.url,
		   photo_url = EXCLUDED.photo_url,
		   batch_url = EXCLUDED.batch_url,
		   notify_url = EXCLUDED.notify_url,
		   poll_url = EXCLUDED.poll_url,
		   public_key = EXCLUDED.public_key,
		   network = EXCLUDED.network,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id
		 `

	err := r.db.QueryRowContext(ctx, query,
		person.Handle, person.GUID, person.Name, person.URL, person.PhotoURL,
		person.BatchURL, person.NotifyURL, person.PollURL, person.PublicKey,
		person.Network, person.UpdatedAt).Scan(&person.ID)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return person, nil
}
