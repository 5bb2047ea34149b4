// Package store persists rules: their original text and canonical serialized
// AST, keyed by a generated ID and an optional unique name.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for store operations.
var (
	ErrRuleExists   = errors.New("rule already exists")
	ErrRuleNotFound = errors.New("rule not found")
)

// Backend names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverFile     = "file"
)

// Rule is a stored rule.
type Rule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Text      string          `json:"rule"`
	AST       json.RawMessage `json:"ast"`
	CreatedAt time.Time       `json:"created_at"`
}

// Summary returns the listing view of the rule.
func (r Rule) Summary() RuleSummary {
	return RuleSummary{ID: r.ID, Name: r.Name, Text: r.Text, CreatedAt: r.CreatedAt}
}

// RuleSummary is a rule without its AST, as returned by List.
type RuleSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Text      string    `json:"rule"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleStore stores rules.
//
// Put assigns the ID. Names are optional but unique when set; a duplicate
// name fails with ErrRuleExists. Get resolves an ID first and then a name.
// List returns rules in insertion order.
type RuleStore interface {
	Put(ctx context.Context, name, text string, ast []byte) (Rule, error)
	Get(ctx context.Context, idOrName string) (Rule, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]RuleSummary, error)
	Close() error
}

// Error reports a backend failure. Sentinel outcomes (ErrRuleNotFound,
// ErrRuleExists) are returned bare, never wrapped in Error.
type Error struct {
	Op      string
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rule %s store %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(backend, op string, err error) error {
	if err == nil || errors.Is(err, ErrRuleNotFound) || errors.Is(err, ErrRuleExists) {
		return err
	}
	return &Error{Op: op, Backend: backend, Err: err}
}

// Config selects and configures a backend.
type Config struct {
	Driver string
	// DSN is the database connection string for sqlite and postgres.
	DSN string
	// Path is the snapshot file for the file backend.
	Path  string
	Redis RedisConfig
}

// Open creates the configured store. An empty driver means memory.
func Open(ctx context.Context, cfg Config) (RuleStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(SQLiteStoreConfig{DSN: cfg.DSN})
	case DriverPostgres:
		return NewPostgresStore(ctx, PostgresStoreConfig{DSN: cfg.DSN})
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case DriverFile:
		return NewFileStore(FileStoreConfig{Path: cfg.Path})
	default:
		return nil, fmt.Errorf("unknown rule store driver %q", cfg.Driver)
	}
}

func newRuleID() string {
	return uuid.NewString()
}

func newRule(name, text string, ast []byte) Rule {
	return Rule{
		ID:        newRuleID(),
		Name:      strings.TrimSpace(name),
		Text:      text,
		AST:       append(json.RawMessage(nil), ast...),
		CreatedAt: time.Now().UTC(),
	}
}

func cloneRule(r Rule) Rule {
	r.AST = append(json.RawMessage(nil), r.AST...)
	return r
}

// marshalJSON encodes without HTML escaping so stored ASTs keep their bytes.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
