package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const ensureMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
  version    VARCHAR(255) NOT NULL PRIMARY KEY,
  applied_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
)`

// Migrate applies every embedded *_up.sql file not yet recorded in
// schema_migrations, in file name order, and returns how many ran.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	return migrate(ctx, db, migrationFS, "migrations")
}

func migrate(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) (int, error) {
	if _, err := db.ExecContext(ctx, ensureMigrationsTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 0, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), "_up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	count := 0
	for _, name := range files {
		if applied[name] {
			continue
		}
		body, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return count, err
		}
		logger.From(ctx).Info("applying migration", zap.String("version", name))
		// MySQL commits DDL implicitly, so a file is not atomic. Files are
		// written with IF NOT EXISTS / INSERT IGNORE and can be re-run.
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return count, fmt.Errorf("exec %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", name); err != nil {
			return count, fmt.Errorf("record version %s: %w", name, err)
		}
		count++
	}
	return count, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}
