// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

// FS holds the ordered *.sql migration files.
//
//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must be applied.
var Files = []string{
	"001_create_tasks.sql",
	"002_create_quota_counters.sql",
}
