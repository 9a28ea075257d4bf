// Package migrations carries the schema as embedded SQL files, so a binary
// can migrate any database it is pointed at without shipping files alongside.
package migrations

import "embed"

// FS holds every numbered .sql file in this directory, applied in lexical
// order by storage.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
