package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is the minimal surface the ingestion and transform code needs from the
// analytical store. It is implemented by both the plain DuckDB database
// returned by NewDB and the DuckLake-backed Lake.
type DB interface {
	Conn(ctx context.Context) (Connection, error)
	Catalog() string
	Schema() string
	Close() error
}

// Connection is a single database connection. DuckDB temp tables are scoped
// per connection, so staging loads must happen on one Connection.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type duckDB struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

type duckConn struct {
	conn *sql.Conn
	db   *duckDB
	mu   sync.Mutex
}

// NewDB opens a plain DuckDB database at path, or in-memory when path is
// empty. Used by tests and local one-shot runs; production deployments use
// NewLake.
func NewDB(ctx context.Context, path string, log *slog.Logger) (DB, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database(), current_schema()")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	return &duckDB{
		log:     log,
		db:      db,
		catalog: catalog,
		schema:  schema,
	}, nil
}

func (d *duckDB) Catalog() string { return d.catalog }
func (d *duckDB) Schema() string  { return d.schema }
func (d *duckDB) Close() error    { return d.db.Close() }

func (d *duckDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &duckConn{conn: conn, db: d}, nil
}

func (c *duckConn) DB() DB { return c.db }

func (c *duckConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *duckConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *duckConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *duckConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *duckConn) Close() error { return c.conn.Close() }
