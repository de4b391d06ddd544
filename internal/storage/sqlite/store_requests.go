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

// CreateBackchannelRequest inserts one backchannel request row. The request
// digest carries a UNIQUE constraint; a colliding digest reports ErrConflict.
func (s *Store) CreateBackchannelRequest(ctx context.Context, record storage.BackchannelRequestRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("backchannel request id is required")
	}
	if strings.TrimSpace(record.RequestDigest) == "" {
		return fmt.Errorf("request digest is required")
	}
	if strings.TrimSpace(record.ClientID) == "" {
		return fmt.Errorf("client id is required")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Status) == "" {
		return fmt.Errorf("status is required")
	}
	if record.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be greater than zero")
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}

	scopes, err := encodeScopes(record.Scopes)
	if err != nil {
		return err
	}
	var lastPolledAt sql.NullInt64
	if record.LastPolledAt != nil {
		lastPolledAt = sql.NullInt64{Int64: toMillis(*record.LastPolledAt), Valid: true}
	}
	var approvedAt sql.NullInt64
	if record.ApprovedAt != nil {
		approvedAt = sql.NullInt64{Int64: toMillis(*record.ApprovedAt), Valid: true}
	}
	var deniedAt sql.NullInt64
	if record.DeniedAt != nil {
		deniedAt = sql.NullInt64{Int64: toMillis(*record.DeniedAt), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO backchannel_requests (
	id, request_digest, client_id, user_id, scopes, binding_message, status, poll_interval, expires_at, last_polled_at, approved_at, denied_at, grant_id, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.RequestDigest,
		record.ClientID,
		record.UserID,
		scopes,
		strings.TrimSpace(record.BindingMessage),
		record.Status,
		record.PollInterval,
		toMillis(record.ExpiresAt),
		lastPolledAt,
		approvedAt,
		deniedAt,
		strings.TrimSpace(record.GrantID),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("create backchannel request: %w", err)
	}
	return nil
}

// GetBackchannelRequest fetches a backchannel request record by ID.
func (s *Store) GetBackchannelRequest(ctx context.Context, requestID string) (storage.BackchannelRequestRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.BackchannelRequestRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.BackchannelRequestRecord{}, fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return storage.BackchannelRequestRecord{}, fmt.Errorf("backchannel request id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+backchannelRequestColumns+`
FROM backchannel_requests
WHERE id = ?
`, requestID)

	rec, err := scanBackchannelRequestRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.BackchannelRequestRecord{}, storage.ErrNotFound
		}
		return storage.BackchannelRequestRecord{}, fmt.Errorf("get backchannel request: %w", err)
	}
	return rec, nil
}

// GetBackchannelRequestByDigest fetches a backchannel request record by its
// request handle digest.
func (s *Store) GetBackchannelRequestByDigest(ctx context.Context, requestDigest string) (storage.BackchannelRequestRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.BackchannelRequestRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.BackchannelRequestRecord{}, fmt.Errorf("storage is not configured")
	}
	requestDigest = strings.TrimSpace(requestDigest)
	if requestDigest == "" {
		return storage.BackchannelRequestRecord{}, fmt.Errorf("request digest is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+backchannelRequestColumns+`
FROM backchannel_requests
WHERE request_digest = ?
`, requestDigest)

	rec, err := scanBackchannelRequestRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.BackchannelRequestRecord{}, storage.ErrNotFound
		}
		return storage.BackchannelRequestRecord{}, fmt.Errorf("get backchannel request by digest: %w", err)
	}
	return rec, nil
}

// ApproveBackchannelRequest transitions one pending request to approved and
// binds the grant ID in the same conditional update. Concurrent callers race
// on the status predicate; exactly one write lands and the rest report
// ErrConflict.
func (s *Store) ApproveBackchannelRequest(ctx context.Context, requestID string, grantID string, approvedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("backchannel request id is required")
	}
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return fmt.Errorf("grant id is required")
	}

	var existingStatus string
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT status
FROM backchannel_requests
WHERE id = ?
`, requestID)
	if err := row.Scan(&existingStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check backchannel request status: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(existingStatus), "pending") {
		return storage.ErrConflict
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE backchannel_requests
SET status = 'approved', grant_id = ?, approved_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'
`, grantID, toMillis(approvedAt.UTC()), toMillis(approvedAt.UTC()), requestID)
	if err != nil {
		return fmt.Errorf("approve backchannel request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approve backchannel request rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	return nil
}

// DenyBackchannelRequest transitions one pending request to denied.
func (s *Store) DenyBackchannelRequest(ctx context.Context, requestID string, deniedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("backchannel request id is required")
	}

	var existingStatus string
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT status
FROM backchannel_requests
WHERE id = ?
`, requestID)
	if err := row.Scan(&existingStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check backchannel request status: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(existingStatus), "pending") {
		return storage.ErrConflict
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE backchannel_requests
SET status = 'denied', denied_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'
`, toMillis(deniedAt.UTC()), toMillis(deniedAt.UTC()), requestID)
	if err != nil {
		return fmt.Errorf("deny backchannel request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deny backchannel request rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	return nil
}

// ExpireBackchannelRequest persists a derived expiry for one pending request.
// Callers ignore ErrConflict; a concurrent approve, deny, or expiry write is
// an acceptable outcome because expiry is re-derived from expires_at on every
// read.
func (s *Store) ExpireBackchannelRequest(ctx context.Context, requestID string, expiredAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("backchannel request id is required")
	}

	var existingStatus string
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT status
FROM backchannel_requests
WHERE id = ?
`, requestID)
	if err := row.Scan(&existingStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check backchannel request status: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(existingStatus), "pending") {
		return storage.ErrConflict
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE backchannel_requests
SET status = 'expired', updated_at = ?
WHERE id = ? AND status = 'pending'
`, toMillis(expiredAt.UTC()), requestID)
	if err != nil {
		return fmt.Errorf("expire backchannel request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("expire backchannel request rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	return nil
}

// TouchBackchannelRequestPoll records the most recent redeem poll time.
func (s *Store) TouchBackchannelRequestPoll(ctx context.Context, requestID string, polledAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("backchannel request id is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE backchannel_requests
SET last_polled_at = ?, updated_at = ?
WHERE id = ?
`, toMillis(polledAt.UTC()), toMillis(polledAt.UTC()), requestID)
	if err != nil {
		return fmt.Errorf("touch backchannel request poll: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch backchannel request poll rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListBackchannelRequestsByUser returns a page of backchannel requests by
// owner.
func (s *Store) ListBackchannelRequestsByUser(ctx context.Context, userID string, pageSize int, pageToken string) (storage.BackchannelRequestPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.BackchannelRequestPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.BackchannelRequestPage{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.BackchannelRequestPage{}, fmt.Errorf("user id is required")
	}
	if pageSize <= 0 {
		return storage.BackchannelRequestPage{}, fmt.Errorf("page size must be greater than zero")
	}

	limit := pageSize + 1
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(pageToken) == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+backchannelRequestColumns+`
FROM backchannel_requests
WHERE user_id = ?
ORDER BY id
LIMIT ?
`, userID, limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+backchannelRequestColumns+`
FROM backchannel_requests
WHERE user_id = ? AND id > ?
ORDER BY id
LIMIT ?
`, userID, strings.TrimSpace(pageToken), limit)
	}
	if err != nil {
		return storage.BackchannelRequestPage{}, fmt.Errorf("list backchannel requests by user: %w", err)
	}
	defer rows.Close()

	page := storage.BackchannelRequestPage{Requests: make([]storage.BackchannelRequestRecord, 0, pageSize)}
	for rows.Next() {
		rec, err := scanBackchannelRequestRows(rows)
		if err != nil {
			return storage.BackchannelRequestPage{}, fmt.Errorf("scan backchannel request row: %w", err)
		}
		page.Requests = append(page.Requests, rec)
	}
	if err := rows.Err(); err != nil {
		return storage.BackchannelRequestPage{}, fmt.Errorf("iterate backchannel request rows: %w", err)
	}
	if len(page.Requests) > pageSize {
		page.NextPageToken = page.Requests[pageSize-1].ID
		page.Requests = page.Requests[:pageSize]
	}
	return page, nil
}

// PurgeBackchannelRequests deletes rows whose expiry passed before the
// cutoff and returns the number of rows removed.
func (s *Store) PurgeBackchannelRequests(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if before.IsZero() {
		return 0, fmt.Errorf("cutoff is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM backchannel_requests
WHERE expires_at < ?
`, toMillis(before.UTC()))
	if err != nil {
		return 0, fmt.Errorf("purge backchannel requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge backchannel requests rows affected: %w", err)
	}
	return affected, nil
}
