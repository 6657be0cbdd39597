package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - fresh or pre-migration file
// 1 - L2 tables (report_artifact, decision_evidence_snapshot, report_des_link, persistence_audit)
// 2 - L1 tables; seq / factor_version / error columns backfilled on older L1 tables
const currentSchemaVersion = 2

// DBTX is the statement surface every store runs on.
// *sql.DB, *sql.Tx and *sql.Conn all satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
	_ DBTX = (*sql.Conn)(nil)
)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Open is for the outermost caller (CLI, engine harness). Stores never open
// or close the handle themselves. This function is idempotent.
func Open(path string) (*sql.DB, error) {
	return OpenWithTimeout(path, 5000)
}

// OpenWithTimeout is Open with an explicit busy timeout in milliseconds.
func OpenWithTimeout(path string, busyTimeoutMS int) (*sql.DB, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	// Connection-level settings go in the DSN so that a recycled pool
	// connection keeps them.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A Unit of Work pins the
	// single connection for the length of its transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, busyTimeoutMS); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB, busyTimeoutMS int) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// Migrate creates missing tables and runs user_version migrations.
// Callers that bring their own handle run this once before using the stores.
func Migrate(ctx context.Context, db DBTX) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// Older L1 tables must gain their missing columns before schema.sql
	// creates indexes or anything that assumes the current shape.
	if version < 2 {
		if err := migrateToV2(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if version < currentSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

// migrateToV2 backfills columns that early L1 tables were created without.
// Tables that do not exist yet are left to schema.sql.
func migrateToV2(ctx context.Context, db DBTX) error {
	additions := []struct {
		table, column, ddl string
	}{
		{"snapshot_raw", "seq", "INTEGER NOT NULL DEFAULT 0"},
		{"factor_result", "seq", "INTEGER NOT NULL DEFAULT 0"},
		{"factor_result", "factor_version", "TEXT"},
		{"run_meta", "finished_at", "TEXT"},
		{"run_meta", "error_type", "TEXT"},
		{"run_meta", "error_message", "TEXT"},
	}

	for _, a := range additions {
		cols, err := TableColumns(ctx, db, a.table)
		if err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if len(cols) == 0 || cols[a.column] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", a.table, a.column, a.ddl)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate to v2: %s.%s: %w", a.table, a.column, err)
		}
	}
	return nil
}

// TableColumns returns the column set of table, empty when the table does
// not exist.
func TableColumns(ctx context.Context, db DBTX, table string) (map[string]bool, error) {
	if strings.ContainsAny(table, "'\"`;") {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
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
			return nil, fmt.Errorf("table_info %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
