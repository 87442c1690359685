package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Dialect identifies the SQL flavour spoken by the underlying database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Options configures Open.
type Options struct {
	Driver       Dialect
	Path         string // sqlite file path
	DSN          string // overrides Path for sqlite, required for postgres
	MaxOpenConns int
}

// queryer is satisfied by *sql.DB and *sql.Conn.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database connection pool, its dialect and the resolved schema.
type Store struct {
	db      *sql.DB
	dialect Dialect
	schema  Schema
}

// Open initializes the database connection, creating directories as needed for sqlite.
func Open(opts Options) (*Store, error) {
	var (
		driverName string
		dsn        string
	)

	switch opts.Driver {
	case DialectSQLite, "":
		opts.Driver = DialectSQLite
		driverName = "sqlite"
		dsn = opts.DSN
		if dsn == "" {
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
			dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", opts.Path)
		}
	case DialectPostgres:
		driverName = "postgres"
		dsn = opts.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, dialect: opts.Driver, schema: DefaultSchema()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect reports the SQL flavour of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures the baseline tables exist. Existing tables are left untouched,
// whatever their column names; the introspector adapts to them.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	stmts := sqliteSchema
	if s.dialect == DialectPostgres {
		stmts = postgresSchema
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS beacons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		serial TEXT NOT NULL,
		name TEXT,
		description TEXT,
		latitude REAL,
		longitude REAL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_beacons_serial ON beacons(serial);`,
	`CREATE TABLE IF NOT EXISTS type_measurement (
		id_type INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		unit TEXT,
		description TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		id_beacon INTEGER NOT NULL REFERENCES beacons(id),
		id_type INTEGER REFERENCES type_measurement(id_type),
		value REAL NOT NULL,
		timestamp TEXT NOT NULL,
		lat REAL,
		lon REAL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_measurements_dedup ON measurements(id_beacon, id_type, timestamp);`,
	`CREATE TABLE IF NOT EXISTS ingestion_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		beacon_ref TEXT,
		sensor_type TEXT,
		payload TEXT,
		error TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS beacons (
		id BIGSERIAL PRIMARY KEY,
		serial TEXT NOT NULL,
		name TEXT,
		description TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_beacons_serial ON beacons(serial)`,
	`CREATE TABLE IF NOT EXISTS type_measurement (
		id_type BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		unit TEXT,
		description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS measurements (
		id BIGSERIAL PRIMARY KEY,
		id_beacon BIGINT NOT NULL REFERENCES beacons(id),
		id_type BIGINT REFERENCES type_measurement(id_type),
		value DOUBLE PRECISION NOT NULL,
		timestamp TEXT NOT NULL,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_measurements_dedup ON measurements(id_beacon, id_type, timestamp)`,
	`CREATE TABLE IF NOT EXISTS ingestion_errors (
		id BIGSERIAL PRIMARY KEY,
		beacon_ref TEXT,
		sensor_type TEXT,
		payload TEXT,
		error TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Acquire checks out a dedicated connection for one ingestion batch. The caller
// must Close the session on every exit path to return the connection to the pool.
func (s *Store) Acquire(ctx context.Context) (*Session, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	return &Session{
		conn: conn,
		exec: executor{q: conn, dialect: s.dialect, schema: s.schema},
	}, nil
}

func (s *Store) executor() executor {
	return executor{q: s.db, dialect: s.dialect, schema: s.schema}
}

// executor binds queries to a connection, a dialect and the resolved column names.
type executor struct {
	q       queryer
	dialect Dialect
	schema  Schema
}

// bind rewrites '?' placeholders into the dialect's positional form.
func (e executor) bind(query string) string {
	return rebind(e.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// quoteIdent quotes a column or table name. Names only ever come from the
// introspector's fixed synonym lists.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func parseStoredTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		ts, _ = time.Parse("2006-01-02 15:04:05", value)
	}
	return ts
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
