// Package schema carries the embedded SQL migrations for the killfeed
// database.
package schema

import (
	"embed"

	"github.com/killfeedproject/killfeed/internal/common/database"
)

//go:embed migrations
var migrations embed.FS

// Migrations returns the schema migrations in application order.
func Migrations() ([]database.Migration, error) {
	return database.MigrationsFromFS(migrations, "migrations")
}
