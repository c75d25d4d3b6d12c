// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

// FS holds the Postgres migrations (the .sql files in this directory).
//
//go:embed *.sql
var FS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// SQLite returns the SQLite migrations rooted at their own directory.
func SQLite() fs.FS {
	sub, err := fs.Sub(sqliteFS, "sqlite")
	if err != nil {
		panic("migrations: sqlite directory missing: " + err.Error())
	}
	return sub
}
