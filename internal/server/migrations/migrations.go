// Package migrations embeds the goose SQL migrations for the
// engine-owned tables.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
