package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const ruleSQLiteSchema = `
CREATE TABLE IF NOT EXISTS rules (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT UNIQUE,
	rule_text TEXT NOT NULL,
	ast BLOB NOT NULL,
	created_at TEXT NOT NULL
);`

var sqliteDialect = sqlDialect{
	backend:           DriverSQLite,
	insert:            "INSERT INTO rules (id, name, rule_text, ast, created_at)\nVALUES (?, ?, ?, ?, ?)",
	selectByID:        "SELECT id, name, rule_text, ast, created_at FROM rules WHERE id = ?",
	selectByName:      "SELECT id, name, rule_text, ast, created_at FROM rules WHERE name = ?",
	deleteByID:        "DELETE FROM rules WHERE id = ?",
	list:              "SELECT id, name, rule_text, created_at FROM rules ORDER BY seq ASC",
	isUniqueViolation: isSQLiteUniqueViolation,
}

// SQLiteStoreConfig configures the SQLite rule store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists rules in SQLite.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) a SQLite-backed rule store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("rule store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("rule sqlite store open: %w", err)
	}

	// One connection serializes writers and keeps per-connection pragmas.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rule sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rule sqlite store set busy timeout: %w", err)
	}
	if _, err := db.Exec(ruleSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rule sqlite store create schema: %w", err)
	}

	return &SQLiteStore{sqlStore{db: db, dialect: sqliteDialect}}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed: rules.id") ||
		strings.Contains(msg, "UNIQUE constraint failed: rules.name")
}
