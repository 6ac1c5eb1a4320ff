// Package migrations embeds the SQL schema of the PostgreSQL ledger store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
