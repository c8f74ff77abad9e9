// Package sqlite embeds the SQLite migration files for the structured index.
// Migrations are embedded so they work regardless of working directory.
package sqlite

import "embed"

// FS is the embedded migrations filesystem.
//
//go:embed *.sql
var FS embed.FS
