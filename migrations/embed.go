// Package migrations embeds the SQL schema so it can be applied regardless
// of the working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory (001_initial.sql, ...).
//
//go:embed *.sql
var FS embed.FS
