package queue

import (
	"context"
	"fmt"

	"github.com/dsievert/federation/internal/dbx"
	"github.com/dsievert/federation/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	// The unique index on (contact_id, network, md5(content), batch)
	// makes re-enqueueing the same envelope a no-op.
	query :=
		`INSERT INTO delivery_queue (contact_id, network, content, batch, created_at, last_tried)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT DO NOTHING
		 `

	if _, err := r.db.ExecContext(ctx, query,
		entry.ContactID, entry.Network, entry.Content, entry.Batch); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *PostgresRepository) List(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	query :=
		`SELECT id, contact_id, network, content, batch, created_at, last_tried
		 FROM delivery_queue
		 ORDER BY last_tried ASC
		 LIMIT $1
		 `

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		e := &models.QueueEntry{}
		if err := rows.Scan(&e.ID, &e.ContactID, &e.Network, &e.Content, &e.Batch, &e.CreatedAt, &e.LastTried); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return entries, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, id int64) error {
	query := `UPDATE delivery_queue SET last_tried = NOW() WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM delivery_queue WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
