// Package repomanager aggregates the engine-owned repositories behind a
// single construction point.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dsievert/federation/internal/server/repositories/fcontacts"
	"github.com/dsievert/federation/internal/server/repositories/queue"
	"github.com/dsievert/federation/internal/server/repositories/signatures"
)

type RepositoryManager interface {
	Conn() *sql.DB
	Fcontacts() fcontacts.Repository
	Signatures() signatures.Repository
	Queue() queue.Repository
	RunMigrations(ctx context.Context) error
	Close() error
}
