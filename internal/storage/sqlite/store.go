package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/latchwell/countersign/internal/platform/storage/sqlitemigrate"
	"github.com/latchwell/countersign/internal/storage"
	"github.com/latchwell/countersign/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func encodeScopes(scopes []string) (string, error) {
	if len(scopes) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("marshal scopes: %w", err)
	}
	return string(encoded), nil
}

func decodeScopes(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(value), &scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	return scopes, nil
}

// Store provides SQLite-backed persistence for countersign records.
type Store struct {
	sqlDB *sql.DB
}

// DB returns the underlying sql.DB instance.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

const backchannelRequestColumns = `id, request_digest, client_id, user_id, scopes, binding_message, status, poll_interval, expires_at, last_polled_at, approved_at, denied_at, grant_id, created_at, updated_at`

func scanBackchannelRequestRow(row *sql.Row) (storage.BackchannelRequestRecord, error) {
	var (
		rec          storage.BackchannelRequestRecord
		scopesRaw    string
		expiresAt    int64
		lastPolledAt sql.NullInt64
		approvedAt   sql.NullInt64
		deniedAt     sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.RequestDigest,
		&rec.ClientID,
		&rec.UserID,
		&scopesRaw,
		&rec.BindingMessage,
		&rec.Status,
		&rec.PollInterval,
		&expiresAt,
		&lastPolledAt,
		&approvedAt,
		&deniedAt,
		&rec.GrantID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.BackchannelRequestRecord{}, err
	}
	scopes, err := decodeScopes(scopesRaw)
	if err != nil {
		return storage.BackchannelRequestRecord{}, err
	}
	rec.Scopes = scopes
	rec.ExpiresAt = fromMillis(expiresAt)
	if lastPolledAt.Valid {
		value := fromMillis(lastPolledAt.Int64)
		rec.LastPolledAt = &value
	}
	if approvedAt.Valid {
		value := fromMillis(approvedAt.Int64)
		rec.ApprovedAt = &value
	}
	if deniedAt.Valid {
		value := fromMillis(deniedAt.Int64)
		rec.DeniedAt = &value
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanBackchannelRequestRows(rows *sql.Rows) (storage.BackchannelRequestRecord, error) {
	var (
		rec          storage.BackchannelRequestRecord
		scopesRaw    string
		expiresAt    int64
		lastPolledAt sql.NullInt64
		approvedAt   sql.NullInt64
		deniedAt     sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.RequestDigest,
		&rec.ClientID,
		&rec.UserID,
		&scopesRaw,
		&rec.BindingMessage,
		&rec.Status,
		&rec.PollInterval,
		&expiresAt,
		&lastPolledAt,
		&approvedAt,
		&deniedAt,
		&rec.GrantID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.BackchannelRequestRecord{}, err
	}
	scopes, err := decodeScopes(scopesRaw)
	if err != nil {
		return storage.BackchannelRequestRecord{}, err
	}
	rec.Scopes = scopes
	rec.ExpiresAt = fromMillis(expiresAt)
	if lastPolledAt.Valid {
		value := fromMillis(lastPolledAt.Int64)
		rec.LastPolledAt = &value
	}
	if approvedAt.Valid {
		value := fromMillis(approvedAt.Int64)
		rec.ApprovedAt = &value
	}
	if deniedAt.Valid {
		value := fromMillis(deniedAt.Int64)
		rec.DeniedAt = &value
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

const grantColumns = `id, user_id, agent_id, provider, scopes, status, ciphertext, iv, auth_tag, expires_at, revoked_at, created_at, updated_at`

func scanGrantRow(row *sql.Row) (storage.GrantRecord, error) {
	var (
		rec       storage.GrantRecord
		scopesRaw string
		expiresAt int64
		revokedAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.AgentID,
		&rec.Provider,
		&scopesRaw,
		&rec.Status,
		&rec.Ciphertext,
		&rec.IV,
		&rec.Tag,
		&expiresAt,
		&revokedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.GrantRecord{}, err
	}
	scopes, err := decodeScopes(scopesRaw)
	if err != nil {
		return storage.GrantRecord{}, err
	}
	rec.Scopes = scopes
	rec.ExpiresAt = fromMillis(expiresAt)
	if revokedAt.Valid {
		value := fromMillis(revokedAt.Int64)
		rec.RevokedAt = &value
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanGrantRows(rows *sql.Rows) (storage.GrantRecord, error) {
	var (
		rec       storage.GrantRecord
		scopesRaw string
		expiresAt int64
		revokedAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.AgentID,
		&rec.Provider,
		&scopesRaw,
		&rec.Status,
		&rec.Ciphertext,
		&rec.IV,
		&rec.Tag,
		&expiresAt,
		&revokedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.GrantRecord{}, err
	}
	scopes, err := decodeScopes(scopesRaw)
	if err != nil {
		return storage.GrantRecord{}, err
	}
	rec.Scopes = scopes
	rec.ExpiresAt = fromMillis(expiresAt)
	if revokedAt.Valid {
		value := fromMillis(revokedAt.Int64)
		rec.RevokedAt = &value
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanProviderCredentialRow(row *sql.Row) (storage.ProviderCredentialRecord, error) {
	var (
		rec       storage.ProviderCredentialRecord
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Provider,
		&rec.Ciphertext,
		&rec.IV,
		&rec.Tag,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.ProviderCredentialRecord{}, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanUserRow(row *sql.Row) (storage.UserRecord, error) {
	var (
		rec       storage.UserRecord
		createdAt int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Username,
		&rec.DisplayName,
		&createdAt,
	); err != nil {
		return storage.UserRecord{}, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}
