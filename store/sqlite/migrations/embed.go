package migrations

import "embed"

// FS holds the goose migrations for the sqlite store.
//
//go:embed *.sql
var FS embed.FS
