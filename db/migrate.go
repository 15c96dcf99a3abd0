package db

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending migrations against the given DSN.
// It opens a short-lived database/sql handle via the pgx stdlib driver so the
// pgx pool used by the services stays untouched.
func Migrate(dsn string) (int, error) {
	if dsn == "" {
		return 0, fmt.Errorf("db: empty connection string")
	}

	handle, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, fmt.Errorf("db: open for migrate: %w", err)
	}
	defer handle.Close()

	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations",
	}

	n, err := migrate.Exec(handle, "postgres", source, migrate.Up)
	if err != nil {
		return 0, fmt.Errorf("db: apply migrations: %w", err)
	}
	return n, nil
}
