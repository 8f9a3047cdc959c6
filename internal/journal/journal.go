// Package journal is the durable side of the change feed tracker: per
// database checkpoints and an idempotent log of change records.
//
// Two SQL dialects are supported through database/sql:
//   - sqlite3 (github.com/mattn/go-sqlite3): one file, WAL mode, one connection
//   - pgx (github.com/jackc/pgx/v5/stdlib): a shared PostgreSQL database
//
// Statements are built with squirrel so the placeholder format follows the
// dialect.
//
// # Ordering
//
// Records are read back in insertion order (ORDER BY id ASC). The change
// sequence tokens themselves are opaque and never compared in SQL.
//
// # Idempotency
//
// UNIQUE(db, doc_id, rev) makes Append a no-op for a record that was already
// written, so replays after a restart from an older checkpoint are harmless.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Schema version tracking (SQLite user_version):
// 1 - checkpoints and change_records
const currentSchemaVersion = 1

// Journal stores checkpoints and change records.
type Journal struct {
	db     *sql.DB
	driver string
	sq     squirrel.StatementBuilderType
	now    func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the time source for updated_at and recorded_at.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open connects to the journal and applies its schema. For sqlite3 the dsn
// is a file path; for pgx it is a PostgreSQL connection string.
//
// The SQLite database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Open is idempotent.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Journal, error) {
	var (
		schema string
		format squirrel.PlaceholderFormat
	)
	switch driver {
	case DriverSQLite:
		schema, format = sqliteSchema, squirrel.Question
	case DriverPostgres:
		schema, format = postgresSchema, squirrel.Dollar
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: connect: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := applySchema(ctx, db, schema); err != nil {
		db.Close()
		return nil, err
	}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: set user_version: %w", err)
		}
	}

	j := &Journal{
		db:     db,
		driver: driver,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(format),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Driver returns the driver name the journal was opened with.
func (j *Journal) Driver() string { return j.driver }

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("journal: %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema runs the schema one statement at a time; neither driver is
// asked to accept a multi-statement string.
func applySchema(ctx context.Context, db *sql.DB, schema string) error {
	for _, stmt := range statements(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: apply schema: %w", err)
		}
	}
	return nil
}

func statements(schema string) []string {
	var out []string
	var current strings.Builder
	for _, line := range strings.Split(schema, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func (j *Journal) timestamp() string {
	return j.now().UTC().Format(time.RFC3339Nano)
}

// verifyPragma checks that a SQLite pragma is set to the expected value.
// Used for testing.
func (j *Journal) verifyPragma(ctx context.Context, name, expected string) error {
	var value string
	if err := j.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
