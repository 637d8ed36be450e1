// Package migrations embeds the Postgres schema of the resource store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
