package migrations

import "embed"

// FS holds the goose migrations for the postgres store.
//
//go:embed *.sql
var FS embed.FS
