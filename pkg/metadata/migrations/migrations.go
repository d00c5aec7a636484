// Package migrations embeds the versioned SQL migrations for the Postgres
// metadata schema.
package migrations

import "embed"

// FS contains the migration files.
//
//go:embed *.sql
var FS embed.FS
