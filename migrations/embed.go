// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
// Each database driver has its own directory of golang-migrate files.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
