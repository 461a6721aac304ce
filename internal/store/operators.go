// ABOUTME: Operator persistence: console users and their bcrypt password hashes
// ABOUTME: Hashing happens in the auth package; the store only keeps the digest

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateOperator inserts a new operator.
func (s *SQLiteStore) CreateOperator(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, time.Now().UTC().Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateOperator, username)
	}
	if err != nil {
		return fmt.Errorf("inserting operator: %w", err)
	}
	s.logger.Info("operator created", "username", username)
	return nil
}

// GetOperator returns the operator or ErrNotFound.
func (s *SQLiteStore) GetOperator(ctx context.Context, username string) (*Operator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, created_at FROM operators WHERE username = ?`, username)
	op, err := scanOperator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// ListOperators returns all operators ordered by username.
func (s *SQLiteStore) ListOperators(ctx context.Context) ([]*Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password_hash, created_at FROM operators ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer rows.Close()

	var out []*Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// DeleteOperator removes an operator or returns ErrNotFound.
func (s *SQLiteStore) DeleteOperator(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operators WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deleting operator: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOperator(scanner interface{ Scan(dest ...any) error }) (*Operator, error) {
	var op Operator
	var created string
	if err := scanner.Scan(&op.Username, &op.PasswordHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning operator: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	op.CreatedAt = ts
	return &op, nil
}
