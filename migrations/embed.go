// Package migrations embeds the versioned SQL schema migrations.
// Files are named NNNN_name.up.sql with a matching NNNN_name.down.sql
// downgrade script and applied in lexical order.
package migrations

import "embed"

// FS holds the migration files.
//
//go:embed *.sql
var FS embed.FS
