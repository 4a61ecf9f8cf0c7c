// Package dbmigrations embeds the SQL migrations that define the
// strikeline event store schema.
package dbmigrations

import "embed"

// Files exposes the embedded migration scripts.
//
//go:embed *.sql
var Files embed.FS
