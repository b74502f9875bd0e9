// Package data is the persistence core: camera, scan, snapshot and
// configuration records over SQLite (default) or PostgreSQL, fronted by a
// TTL cache, with backup and retention workers.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var ErrRecordNotFound = errors.New("record not found")

// DBTX is the common surface of *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Dialect selects placeholder style and engine-specific maintenance.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites `?` placeholders to `$N` for PostgreSQL. Queries in this
// package never contain `?` inside literals, so a plain scan is enough.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open connects to the configured engine. For SQLite the pool is capped at a
// single connection so writes serialize at the driver instead of failing
// with SQLITE_BUSY.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	case DialectPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database dialect %q", dialect)
	}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
}

// encodeList serializes a JSON list column; nil encodes as [] so NOT NULL
// defaults hold.
func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// encodeMap serializes a JSON object column; nil encodes as {}.
func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Models bundles the table gateways sharing one connection and dialect.
type Models struct {
	Cameras        CameraModel
	Scans          ScanModel
	Snapshots      SnapshotModel
	Configurations ConfigurationModel
}

func NewModels(db DBTX, dialect Dialect) Models {
	return Models{
		Cameras:        CameraModel{DB: db, Dialect: dialect},
		Scans:          ScanModel{DB: db, Dialect: dialect},
		Snapshots:      SnapshotModel{DB: db, Dialect: dialect},
		Configurations: ConfigurationModel{DB: db, Dialect: dialect},
	}
}
