package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

const rulePostgresSchema = `
CREATE TABLE IF NOT EXISTS rules (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	name TEXT UNIQUE,
	rule_text TEXT NOT NULL,
	ast BYTEA NOT NULL,
	created_at TEXT NOT NULL
);`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

var postgresDialect = sqlDialect{
	backend:           DriverPostgres,
	insert:            "INSERT INTO rules (id, name, rule_text, ast, created_at)\nVALUES ($1, $2, $3, $4, $5)",
	selectByID:        "SELECT id, name, rule_text, ast, created_at FROM rules WHERE id = $1",
	selectByName:      "SELECT id, name, rule_text, ast, created_at FROM rules WHERE name = $1",
	deleteByID:        "DELETE FROM rules WHERE id = $1",
	list:              "SELECT id, name, rule_text, created_at FROM rules ORDER BY seq ASC",
	isUniqueViolation: isPostgresUniqueViolation,
}

// PostgresStoreConfig configures the Postgres rule store.
type PostgresStoreConfig struct {
	DSN string
}

// PostgresStore persists rules in Postgres through the pgx database/sql driver.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to Postgres and ensures the rules table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("rule store postgres dsn is required")
	}

	pgCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("rule postgres store parse dsn: %w", err)
	}
	db := stdlib.OpenDB(*pgCfg)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rule postgres store ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, rulePostgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rule postgres store create schema: %w", err)
	}

	return &PostgresStore{sqlStore{db: db, dialect: postgresDialect}}, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
