package stores

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudconductor/conductor/pkg/engine"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// inMemory reports whether the store lives in process memory only. Every
// connection to ":memory:" opens a separate database, so the pool is pinned
// to one connection.
func (c Config) inMemory() bool {
	return c.Path == ":memory:"
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// encode marshals a JSON column value. Nil maps and slices are stored as
// their empty form so that NOT NULL columns hold valid JSON.
func encode(v interface{}, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func decode(column string, data string, v interface{}) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", column, err)
	}
	return nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

// affected returns a not found error when the statement touched no row.
func affected(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound(kind, id)
	}
	return nil
}
