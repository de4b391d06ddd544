package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/latchwell/countersign/internal/storage"
)

// PutGrant persists a grant record.
func (s *Store) PutGrant(ctx context.Context, record storage.GrantRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("grant id is required")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.AgentID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(record.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(record.Status) == "" {
		return fmt.Errorf("status is required")
	}
	if len(record.Ciphertext) == 0 {
		return fmt.Errorf("ciphertext is required")
	}
	if len(record.IV) == 0 {
		return fmt.Errorf("iv is required")
	}
	if len(record.Tag) == 0 {
		return fmt.Errorf("auth tag is required")
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}

	scopes, err := encodeScopes(record.Scopes)
	if err != nil {
		return err
	}
	var revokedAt sql.NullInt64
	if record.RevokedAt != nil {
		revokedAt = sql.NullInt64{Int64: toMillis(*record.RevokedAt), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO grants (
	id, user_id, agent_id, provider, scopes, status, ciphertext, iv, auth_tag, expires_at, revoked_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	agent_id = excluded.agent_id,
	provider = excluded.provider,
	scopes = excluded.scopes,
	status = excluded.status,
	ciphertext = excluded.ciphertext,
	iv = excluded.iv,
	auth_tag = excluded.auth_tag,
	expires_at = excluded.expires_at,
	revoked_at = excluded.revoked_at,
	updated_at = excluded.updated_at
`,
		record.ID,
		record.UserID,
		record.AgentID,
		record.Provider,
		scopes,
		record.Status,
		record.Ciphertext,
		record.IV,
		record.Tag,
		toMillis(record.ExpiresAt),
		revokedAt,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

// GetGrant fetches a grant record by ID.
func (s *Store) GetGrant(ctx context.Context, grantID string) (storage.GrantRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.GrantRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.GrantRecord{}, fmt.Errorf("storage is not configured")
	}
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return storage.GrantRecord{}, fmt.Errorf("grant id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+grantColumns+`
FROM grants
WHERE id = ?
`, grantID)

	rec, err := scanGrantRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.GrantRecord{}, storage.ErrNotFound
		}
		return storage.GrantRecord{}, fmt.Errorf("get grant: %w", err)
	}
	return rec, nil
}

// ListGrantsByUser returns a page of grants by owner.
func (s *Store) ListGrantsByUser(ctx context.Context, userID string, pageSize int, pageToken string) (storage.GrantPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.GrantPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.GrantPage{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.GrantPage{}, fmt.Errorf("user id is required")
	}
	if pageSize <= 0 {
		return storage.GrantPage{}, fmt.Errorf("page size must be greater than zero")
	}

	limit := pageSize + 1
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(pageToken) == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+grantColumns+`
FROM grants
WHERE user_id = ?
ORDER BY id
LIMIT ?
`, userID, limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+grantColumns+`
FROM grants
WHERE user_id = ? AND id > ?
ORDER BY id
LIMIT ?
`, userID, strings.TrimSpace(pageToken), limit)
	}
	if err != nil {
		return storage.GrantPage{}, fmt.Errorf("list grants by user: %w", err)
	}
	defer rows.Close()

	page := storage.GrantPage{Grants: make([]storage.GrantRecord, 0, pageSize)}
	for rows.Next() {
		rec, err := scanGrantRows(rows)
		if err != nil {
			return storage.GrantPage{}, fmt.Errorf("scan grant row: %w", err)
		}
		page.Grants = append(page.Grants, rec)
	}
	if err := rows.Err(); err != nil {
		return storage.GrantPage{}, fmt.Errorf("iterate grant rows: %w", err)
	}
	if len(page.Grants) > pageSize {
		page.NextPageToken = page.Grants[pageSize-1].ID
		page.Grants = page.Grants[:pageSize]
	}
	return page, nil
}

// RevokeGrant marks one grant revoked. Revocation is monotonic: the first
// revocation time sticks and repeated revocations succeed without moving it.
func (s *Store) RevokeGrant(ctx context.Context, grantID string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return fmt.Errorf("grant id is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE grants
SET status = 'revoked', revoked_at = COALESCE(revoked_at, ?), updated_at = ?
WHERE id = ?
`, toMillis(revokedAt.UTC()), toMillis(revokedAt.UTC()), grantID)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke grant rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ExpireGrant persists a derived expiry for one active grant. Callers ignore
// ErrConflict; revocation wins over expiry and expiry is re-derived from
// expires_at on every read.
func (s *Store) ExpireGrant(ctx context.Context, grantID string, expiredAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return fmt.Errorf("grant id is required")
	}

	var existingStatus string
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT status
FROM grants
WHERE id = ?
`, grantID)
	if err := row.Scan(&existingStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check grant status: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(existingStatus), "active") {
		return storage.ErrConflict
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE grants
SET status = 'expired', updated_at = ?
WHERE id = ? AND status = 'active'
`, toMillis(expiredAt.UTC()), grantID)
	if err != nil {
		return fmt.Errorf("expire grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("expire grant rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	return nil
}
