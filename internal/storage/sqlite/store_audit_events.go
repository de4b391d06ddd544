package sqlite

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/latchwell/countersign/internal/storage"
)

// PutAuditEvent appends one audit event row. Row IDs are assigned by the
// store; a caller-provided ID is ignored.
func (s *Store) PutAuditEvent(ctx context.Context, record storage.AuditEventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.EventName) == "" {
		return fmt.Errorf("event name is required")
	}
	if strings.TrimSpace(record.ActorID) == "" {
		return fmt.Errorf("actor id is required")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.SubjectID) == "" {
		return fmt.Errorf("subject id is required")
	}
	if strings.TrimSpace(record.Outcome) == "" {
		return fmt.Errorf("outcome is required")
	}
	if record.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_events (
	event_name, actor_id, user_id, client_id, subject_id, outcome, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		strings.TrimSpace(record.EventName),
		strings.TrimSpace(record.ActorID),
		strings.TrimSpace(record.UserID),
		strings.TrimSpace(record.ClientID),
		strings.TrimSpace(record.SubjectID),
		strings.TrimSpace(record.Outcome),
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put audit event: %w", err)
	}
	return nil
}

// ListAuditEventsByUser returns a page of audit events scoped to one owner.
func (s *Store) ListAuditEventsByUser(ctx context.Context, userID string, pageSize int, pageToken string) (storage.AuditEventPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.AuditEventPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AuditEventPage{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.AuditEventPage{}, fmt.Errorf("user id is required")
	}
	if pageSize <= 0 {
		return storage.AuditEventPage{}, fmt.Errorf("page size must be greater than zero")
	}

	limit := pageSize + 1
	pageToken = strings.TrimSpace(pageToken)
	args := []any{userID}
	query := `
SELECT id, event_name, actor_id, user_id, client_id, subject_id, outcome, created_at
FROM audit_events
WHERE user_id = ?
ORDER BY id
LIMIT ?
`
	if pageToken != "" {
		tokenValue, parseErr := strconv.ParseInt(pageToken, 10, 64)
		if parseErr != nil || tokenValue < 0 {
			return storage.AuditEventPage{}, fmt.Errorf("invalid page token")
		}
		query = `
SELECT id, event_name, actor_id, user_id, client_id, subject_id, outcome, created_at
FROM audit_events
WHERE user_id = ? AND id > ?
ORDER BY id
LIMIT ?
`
		args = append(args, tokenValue)
	}
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.AuditEventPage{}, fmt.Errorf("list audit events by user: %w", err)
	}
	defer rows.Close()

	page := storage.AuditEventPage{AuditEvents: make([]storage.AuditEventRecord, 0, pageSize)}
	for rows.Next() {
		var (
			idValue      int64
			eventName    string
			actorID      string
			eventUserID  string
			clientID     string
			subjectID    string
			outcome      string
			createdAtRaw int64
		)
		if err := rows.Scan(&idValue, &eventName, &actorID, &eventUserID, &clientID, &subjectID, &outcome, &createdAtRaw); err != nil {
			return storage.AuditEventPage{}, fmt.Errorf("scan audit event row: %w", err)
		}
		page.AuditEvents = append(page.AuditEvents, storage.AuditEventRecord{
			ID:        strconv.FormatInt(idValue, 10),
			EventName: eventName,
			ActorID:   actorID,
			UserID:    eventUserID,
			ClientID:  clientID,
			SubjectID: subjectID,
			Outcome:   outcome,
			CreatedAt: fromMillis(createdAtRaw),
		})
	}
	if err := rows.Err(); err != nil {
		return storage.AuditEventPage{}, fmt.Errorf("iterate audit event rows: %w", err)
	}
	if len(page.AuditEvents) > pageSize {
		page.NextPageToken = page.AuditEvents[pageSize-1].ID
		page.AuditEvents = page.AuditEvents[:pageSize]
	}
	return page, nil
}
