package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqlDialect holds what differs between the database/sql backends.
type sqlDialect struct {
	backend           string
	insert            string
	selectByID        string
	selectByName      string
	deleteByID        string
	list              string
	isUniqueViolation func(error) bool
}

// sqlStore implements RuleStore over database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) Put(ctx context.Context, name, text string, ast []byte) (Rule, error) {
	rule := newRule(name, text, ast)
	_, err := s.db.ExecContext(ctx, s.dialect.insert,
		rule.ID,
		nullableName(rule.Name),
		rule.Text,
		[]byte(rule.AST),
		rule.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return Rule{}, ErrRuleExists
		}
		return Rule{}, wrapErr(s.dialect.backend, "put", err)
	}
	return rule, nil
}

func (s *sqlStore) Get(ctx context.Context, idOrName string) (Rule, error) {
	key := strings.TrimSpace(idOrName)
	rule, err := scanRule(s.db.QueryRowContext(ctx, s.dialect.selectByID, key))
	if errors.Is(err, sql.ErrNoRows) {
		rule, err = scanRule(s.db.QueryRowContext(ctx, s.dialect.selectByName, key))
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, ErrRuleNotFound
		}
		return Rule{}, wrapErr(s.dialect.backend, "get", err)
	}
	return rule, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.deleteByID, strings.TrimSpace(id))
	if err != nil {
		return wrapErr(s.dialect.backend, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(s.dialect.backend, "delete rows affected", err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context) ([]RuleSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.list)
	if err != nil {
		return nil, wrapErr(s.dialect.backend, "list", err)
	}
	defer rows.Close()

	out := []RuleSummary{}
	for rows.Next() {
		var (
			summary   RuleSummary
			name      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&summary.ID, &name, &summary.Text, &createdAt); err != nil {
			return nil, wrapErr(s.dialect.backend, "list scan", err)
		}
		summary.Name = name.String
		if summary.CreatedAt, err = parseStoredTime(createdAt); err != nil {
			return nil, wrapErr(s.dialect.backend, "list scan", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(s.dialect.backend, "list rows", err)
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRule(row rowScanner) (Rule, error) {
	var (
		rule      Rule
		name      sql.NullString
		ast       []byte
		createdAt string
	)
	if err := row.Scan(&rule.ID, &name, &rule.Text, &ast, &createdAt); err != nil {
		return Rule{}, err
	}
	rule.Name = name.String
	rule.AST = ast
	created, err := parseStoredTime(createdAt)
	if err != nil {
		return Rule{}, err
	}
	rule.CreatedAt = created
	return rule, nil
}

func parseStoredTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at %q: %w", value, err)
	}
	return t, nil
}

func nullableName(name string) sql.NullString {
	return sql.NullString{String: name, Valid: name != ""}
}
