package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dsievert/federation/internal/server/migrations"
	"github.com/dsievert/federation/internal/server/repositories/fcontacts"
	"github.com/dsievert/federation/internal/server/repositories/queue"
	"github.com/dsievert/federation/internal/server/repositories/signatures"
)

type PostgresRepositoryManager struct {
	db         *sql.DB
	fcontacts  fcontacts.Repository
	signatures signatures.Repository
	queue      queue.Repository
}

func NewPostgresRepositoryManager(dsn string) (RepositoryManager, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	m := &PostgresRepositoryManager{
		db:         db,
		fcontacts:  fcontacts.NewPostgresRepository(db),
		signatures: signatures.NewPostgresRepository(db),
		queue:      queue.NewPostgresRepository(db),
	}

	if err := m.RunMigrations(context.Background()); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return m, nil
}

func (m *PostgresRepositoryManager) Conn() *sql.DB {
	return m.db
}

func (m *PostgresRepositoryManager) Fcontacts() fcontacts.Repository {
	return m.fcontacts
}

func (m *PostgresRepositoryManager) Signatures() signatures.Repository {
	return m.signatures
}

func (m *PostgresRepositoryManager) Queue() queue.Repository {
	return m.queue
}

func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, m.db, "."); err != nil {
		return err
	}

	return nil
}

func (m *PostgresRepositoryManager) Close() error {
	return m.db.Close()
}
