package signatures

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/dbx"
	"github.com/dsievert/federation/internal/server/models"
)

// Two storage formats coexist: old rows carry structured columns
// (signed_text, signature, signer), new rows an opaque JSON document in
// the data column. The write path emits the JSON form; the read path
// normalizes both into models.SignatureRecord.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type signatureDoc struct {
	SignedText string `json:"signed_text"`
	Signature  string `json:"signature"`
	Signer     string `json:"signer"`
}

func (r *PostgresRepository) Store(ctx context.Context, rec *models.SignatureRecord) error {
	doc, err := json.Marshal(signatureDoc{
		SignedText: rec.SignedText,
		Signature:  rec.Signature,
		Signer:     rec.Signer,
	})
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO item_signatures (item_id, data)
		 VALUES ($1, $2)
		 ON CONFLICT (item_id) DO NOTHING
		 `

	if _, err := r.db.ExecContext(ctx, query, rec.ItemID, string(doc)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *PostgresRepository) FindByItem(ctx context.Context, itemID int64) (*models.SignatureRecord, error) {
	query :=
		`SELECT item_id, COALESCE(signed_text, ''), COALESCE(signature, ''), COALESCE(signer, ''), COALESCE(data, '')
		 FROM item_signatures
		 WHERE item_id = $1
		 `

	rec := &models.SignatureRecord{}
	var data string
	err := r.db.QueryRowContext(ctx, query, itemID).Scan(
		&rec.ItemID, &rec.SignedText, &rec.Signature, &rec.Signer, &data)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if data != "" {
		var doc signatureDoc
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("signature document: %w", err)
		}
		rec.SignedText = doc.SignedText
		rec.Signature = doc.Signature
		rec.Signer = doc.Signer
	}

	return rec, nil
}
