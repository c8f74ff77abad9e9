// Package postgres embeds the PostgreSQL migration files for the structured
// index. Migrations are embedded so they work regardless of working
// directory.
package postgres

import "embed"

// FS is the embedded migrations filesystem.
//
//go:embed *.sql
var FS embed.FS
