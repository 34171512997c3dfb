// Package migrations holds the bun migrations for the game tables and the
// song catalog.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
