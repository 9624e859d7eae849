package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its dialect, filesystem and logger in package globals
var gooseMu sync.Mutex

type gooseLogger struct {
	logger common.LoggerInterface
}

func (g gooseLogger) Printf(format string, v ...interface{}) { g.logger.Debugf(format, v...) }
func (g gooseLogger) Fatalf(format string, v ...interface{}) { g.logger.Errorf(format, v...) }

// migrateSchema creates the table, adds the parentid column to databases created before
// it existed, then applies the remaining migrations.
func migrateSchema(ctx context.Context, db *sql.DB, logger common.LoggerInterface) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{logger: logger})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}

	if err := goose.UpToContext(ctx, db, "migrations", 1); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if err := ensureParentColumn(ctx, db, logger); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func ensureParentColumn(ctx context.Context, db *sql.DB, logger common.LoggerInterface) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(manageditem)")
	if err != nil {
		return fmt.Errorf("reading table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hasParent := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scanning table info: %w", err)
		}
		if name == "parentid" {
			hasParent = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading table info: %w", err)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if hasParent {
		return nil
	}
	logger.Infof("Upgrading managed item table: adding parentid column")
	if _, err := db.ExecContext(ctx, "ALTER TABLE manageditem ADD COLUMN parentid TEXT"); err != nil {
		return fmt.Errorf("adding parentid column: %w", err)
	}
	return nil
}
