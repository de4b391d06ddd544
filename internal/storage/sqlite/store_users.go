package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/latchwell/countersign/internal/storage"
)

// PutUser persists a user record.
func (s *Store) PutUser(ctx context.Context, record storage.UserRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Username) == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (
	id, username, display_name, created_at
) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	username = excluded.username,
	display_name = excluded.display_name
`,
		record.ID,
		strings.TrimSpace(record.Username),
		strings.TrimSpace(record.DisplayName),
		toMillis(record.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser fetches a user record by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.UserRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.UserRecord{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.UserRecord{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, display_name, created_at
FROM users
WHERE id = ?
`, userID)

	rec, err := scanUserRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UserRecord{}, storage.ErrNotFound
		}
		return storage.UserRecord{}, fmt.Errorf("get user: %w", err)
	}
	return rec, nil
}

// ResolveUserByHint matches a login hint against username first, then record
// ID.
func (s *Store) ResolveUserByHint(ctx context.Context, hint string) (storage.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.UserRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.UserRecord{}, fmt.Errorf("storage is not configured")
	}
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return storage.UserRecord{}, fmt.Errorf("login hint is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, display_name, created_at
FROM users
WHERE username = ?
`, hint)

	rec, err := scanUserRow(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storage.UserRecord{}, fmt.Errorf("resolve user by username: %w", err)
	}

	row = s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, display_name, created_at
FROM users
WHERE id = ?
`, hint)

	rec, err = scanUserRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UserRecord{}, storage.ErrNotFound
		}
		return storage.UserRecord{}, fmt.Errorf("resolve user by id: %w", err)
	}
	return rec, nil
}
