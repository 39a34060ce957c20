package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"draftdesk/api/internal/logger"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// adoptedColumns lists migrations that only add a column. When the column
// is already present (databases created before migrations were tracked)
// the migration is recorded without being executed.
var adoptedColumns = map[string]struct{ table, column string }{
	"0002_version_user_prompt.up.sql": {table: "versions", column: "user_prompt"},
}

// ApplyMigrations runs every pending up migration for the dialect, each in
// its own transaction, recording it in schema_migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB, dialect Dialect, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	log = log.DBLogger("migrate")

	if err := ensureMigrationsTable(ctx, db, dialect); err != nil {
		return err
	}

	files, err := migrationFiles(dialect, ".up.sql")
	if err != nil {
		return err
	}

	for _, file := range files {
		version := path.Base(file)
		if migrated, err := isMigrated(ctx, db, dialect, version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", version, err)
		}

		adopted := false
		if target, ok := adoptedColumns[version]; ok {
			adopted, err = columnExists(ctx, tx, dialect, target.table, target.column)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("inspect migration %s: %w", version, err)
			}
		}

		if !adopted {
			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("execute migration %s: %w", version, err)
			}
		}

		if _, err := tx.ExecContext(ctx, dialect.rebind(`INSERT INTO schema_migrations(version) VALUES($1)`), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}

		if adopted {
			log.Info().Str("version", version).Msg("migration adopted, schema already present")
		} else {
			log.Info().Str("version", version).Msg("migration applied")
		}
	}

	return nil
}

func migrationFiles(dialect Dialect, suffix string) ([]string, error) {
	dir := path.Join("migrations", string(dialect))
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, path.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, dialect Dialect) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if dialect == DialectSQLite {
		ddl = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, dialect Dialect, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, dialect.rebind(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`), version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

func columnExists(ctx context.Context, tx *sql.Tx, dialect Dialect, table, column string) (bool, error) {
	if dialect == DialectPostgres {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM information_schema.columns
				WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
			)`, table, column).Scan(&exists)
		if err != nil {
			return false, err
		}
		return exists, nil
	}

	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?1) WHERE name = ?2`, table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
