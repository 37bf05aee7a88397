// Package migrations embeds the SQL schema for the database-backed stores.
package migrations

import "embed"

// FS holds one directory of golang-migrate files per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
