package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a trip, frame or open alert does not exist
	ErrNotFound = errors.New("not found")
	// ErrTripOwnership is returned when a frame names a trip owned by another gateway
	ErrTripOwnership = errors.New("trip belongs to a different gateway")
)

// Dialect selects SQL placeholder style and migration set
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Database wraps the SQL connection pool
type Database struct {
	conn    *sql.DB
	dialect Dialect
	dsn     string
}

// New opens the store and applies pending migrations
func New(dsn string) (*Database, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate("up"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Open connects without touching the schema. A postgres:// or postgresql://
// DSN selects Postgres through pgx; anything else is a SQLite file path.
func Open(dsn string) (*Database, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database DSN is empty")
	}

	dialect := SQLite
	driver := "sqlite3"
	connStr := dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = Postgres
		driver = "pgx"
	} else {
		var err error
		if connStr, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		conn.SetMaxOpenConns(1) // SQLite works best with single writer
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(15)
		conn.SetMaxIdleConns(5)
	}
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{conn: conn, dialect: dialect, dsn: connStr}, nil
}

// sqlitePragmas are applied to every SQLite DSN unless the caller already set
// the same option. WAL lets readers run beside the writer; immediate
// transactions make writers queue at BEGIN instead of failing on lock upgrade.
var sqlitePragmas = []struct {
	key     string
	aliases []string
	value   string
}{
	{"_journal_mode", []string{"_journal"}, "WAL"},
	{"_synchronous", []string{"_sync"}, "NORMAL"},
	{"_busy_timeout", []string{"_timeout"}, "5000"},
	{"_foreign_keys", []string{"_fk"}, "on"},
	{"_txlock", nil, "immediate"},
}

// sqliteDSN merges the default pragmas into a SQLite path or file: URI,
// keeping any parameters the caller supplied
func sqliteDSN(dsn string) (string, error) {
	path, rawQuery, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("invalid sqlite DSN parameters: %w", err)
	}

	for _, p := range sqlitePragmas {
		set := params.Has(p.key)
		for _, alias := range p.aliases {
			set = set || params.Has(alias)
		}
		if !set {
			params.Set(p.key, p.value)
		}
	}
	return path + "?" + params.Encode(), nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping checks the connection
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Dialect reports which backend is in use
func (db *Database) Dialect() Dialect {
	return db.dialect
}

// rebind rewrites ? placeholders to $n for Postgres
func (db *Database) rebind(query string) string {
	if db.dialect != Postgres {
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

// Tx is a write transaction over the store
type Tx struct {
	tx *sql.Tx
	db *Database
}

// WithTx runs fn inside a transaction. The transaction commits only if fn
// returns nil; on error or panic nothing fn wrote is visible to readers.
func (db *Database) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: tx, db: db}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
