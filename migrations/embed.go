// Package migrations embeds the SQL schema applied at startup.
//
// Haven's schema is small (clients, calls, staff) and ships inside the
// binary, so a deployment needs no migration tooling on the host.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in order of
// numeric prefix.
//
//go:embed *.sql
var FS embed.FS
