package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/latchwell/countersign/internal/storage"
)

// PutProviderCredential persists a sealed provider credential. The table
// enforces one credential per (user, provider) pair; a repeat write replaces
// the sealed material in place.
func (s *Store) PutProviderCredential(ctx context.Context, record storage.ProviderCredentialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("provider credential id is required")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Provider) == "" {
		return fmt.Errorf("provider is required")
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

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO provider_credentials (
	id, user_id, provider, ciphertext, iv, auth_tag, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, provider) DO UPDATE SET
	ciphertext = excluded.ciphertext,
	iv = excluded.iv,
	auth_tag = excluded.auth_tag,
	updated_at = excluded.updated_at
`,
		record.ID,
		record.UserID,
		record.Provider,
		record.Ciphertext,
		record.IV,
		record.Tag,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put provider credential: %w", err)
	}
	return nil
}

// GetProviderCredential fetches the sealed credential for one (user,
// provider) pair.
func (s *Store) GetProviderCredential(ctx context.Context, userID string, provider string) (storage.ProviderCredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProviderCredentialRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ProviderCredentialRecord{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.ProviderCredentialRecord{}, fmt.Errorf("user id is required")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return storage.ProviderCredentialRecord{}, fmt.Errorf("provider is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, provider, ciphertext, iv, auth_tag, created_at, updated_at
FROM provider_credentials
WHERE user_id = ? AND provider = ?
`, userID, provider)

	rec, err := scanProviderCredentialRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ProviderCredentialRecord{}, storage.ErrNotFound
		}
		return storage.ProviderCredentialRecord{}, fmt.Errorf("get provider credential: %w", err)
	}
	return rec, nil
}

// DeleteProviderCredential removes the sealed credential for one (user,
// provider) pair.
func (s *Store) DeleteProviderCredential(ctx context.Context, userID string, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return fmt.Errorf("provider is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM provider_credentials
WHERE user_id = ? AND provider = ?
`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete provider credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete provider credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
