package sqlite

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latchwell/countersign/internal/storage"
)

func TestGrantRoundTripAndMonotonicRevoke(t *testing.T) {
	store, err := Open(t.TempDir() + "/countersign.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	record := storage.GrantRecord{
		ID:         "grant-1",
		UserID:     "user-1",
		AgentID:    "agent-1",
		Provider:   "github",
		Scopes:     []string{"repo.read"},
		Status:     "active",
		Ciphertext: []byte{0x01, 0x02, 0x03},
		IV:         []byte{0x04, 0x05},
		Tag:        []byte{0x06, 0x07},
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.PutGrant(context.Background(), record); err != nil {
		t.Fatalf("put grant: %v", err)
	}

	got, err := store.GetGrant(context.Background(), "grant-1")
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Fatalf("agent_id = %q, want agent-1", got.AgentID)
	}
	if got.Provider != "github" {
		t.Fatalf("provider = %q, want github", got.Provider)
	}
	if !bytes.Equal(got.Ciphertext, record.Ciphertext) || !bytes.Equal(got.IV, record.IV) || !bytes.Equal(got.Tag, record.Tag) {
		t.Fatalf("sealed fields do not round-trip")
	}
	if got.RevokedAt != nil {
		t.Fatalf("revoked_at = %v, want nil", got.RevokedAt)
	}

	firstRevoke := now.Add(10 * time.Minute)
	if err := store.RevokeGrant(context.Background(), "grant-1", firstRevoke); err != nil {
		t.Fatalf("revoke grant: %v", err)
	}
	if err := store.RevokeGrant(context.Background(), "grant-1", firstRevoke.Add(time.Hour)); err != nil {
		t.Fatalf("repeat revoke grant: %v", err)
	}

	got, err = store.GetGrant(context.Background(), "grant-1")
	if err != nil {
		t.Fatalf("get grant after revoke: %v", err)
	}
	if got.Status != "revoked" {
		t.Fatalf("status = %q, want revoked", got.Status)
	}
	if got.RevokedAt == nil || !got.RevokedAt.Equal(firstRevoke) {
		t.Fatalf("revoked_at = %v, want %v", got.RevokedAt, firstRevoke)
	}

	if err := store.RevokeGrant(context.Background(), "grant-missing", firstRevoke); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("revoke missing err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestExpireGrantOnlyActive(t *testing.T) {
	store, err := Open(t.TempDir() + "/countersign.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	if err := store.PutGrant(context.Background(), storage.GrantRecord{
		ID:         "grant-1",
		UserID:     "user-1",
		AgentID:    "agent-1",
		Provider:   "github",
		Status:     "active",
		Ciphertext: []byte{0x01},
		IV:         []byte{0x02},
		Tag:        []byte{0x03},
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("put grant: %v", err)
	}

	if err := store.ExpireGrant(context.Background(), "grant-1", now.Add(2*time.Hour)); err != nil {
		t.Fatalf("expire grant: %v", err)
	}

	got, err := store.GetGrant(context.Background(), "grant-1")
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if got.Status != "expired" {
		t.Fatalf("status = %q, want expired", got.Status)
	}
	if got.RevokedAt != nil {
		t.Fatalf("revoked_at = %v, want nil", got.RevokedAt)
	}

	if err := store.ExpireGrant(context.Background(), "grant-1", now.Add(3*time.Hour)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second expire err = %v, want %v", err, storage.ErrConflict)
	}
	if err := store.ExpireGrant(context.Background(), "grant-missing", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expire missing err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestListGrantsByUserPagination(t *testing.T) {
	store, err := Open(t.TempDir() + "/countersign.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"grant-a", "grant-b", "grant-c"} {
		if err := store.PutGrant(context.Background(), storage.GrantRecord{
			ID:         id,
			UserID:     "user-1",
			AgentID:    "agent-1",
			Provider:   "github",
			Status:     "active",
			Ciphertext: []byte{0x01},
			IV:         []byte{0x02},
			Tag:        []byte{0x03},
			ExpiresAt:  now.Add(time.Hour),
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			t.Fatalf("put grant %s: %v", id, err)
		}
	}
	if err := store.PutGrant(context.Background(), storage.GrantRecord{
		ID:         "grant-other",
		UserID:     "user-2",
		AgentID:    "agent-2",
		Provider:   "github",
		Status:     "active",
		Ciphertext: []byte{0x01},
		IV:         []byte{0x02},
		Tag:        []byte{0x03},
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("put grant for other user: %v", err)
	}

	first, err := store.ListGrantsByUser(context.Background(), "user-1", 2, "")
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.Grants) != 2 {
		t.Fatalf("first page len = %d, want 2", len(first.Grants))
	}
	if first.NextPageToken != "grant-b" {
		t.Fatalf("next page token = %q, want grant-b", first.NextPageToken)
	}

	second, err := store.ListGrantsByUser(context.Background(), "user-1", 2, first.NextPageToken)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.Grants) != 1 || second.Grants[0].ID != "grant-c" {
		t.Fatalf("second page = %v, want only grant-c", second.Grants)
	}
	if second.NextPageToken != "" {
		t.Fatalf("second page token = %q, want empty", second.NextPageToken)
	}
}
