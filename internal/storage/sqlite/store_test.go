package sqlite

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latchwell/countersign/internal/storage"
)

func TestProviderCredentialUpsertAndDelete(t *testing.T) {
	store, err := Open(t.TempDir() + "/countersign.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	if err := store.PutProviderCredential(context.Background(), storage.ProviderCredentialRecord{
		ID:         "cred-1",
		UserID:     "user-1",
		Provider:   "github",
		Ciphertext: []byte{0x01, 0x02},
		IV:         []byte{0x03},
		Tag:        []byte{0x04},
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("put provider credential: %v", err)
	}

	got, err := store.GetProviderCredential(context.Background(), "user-1", "github")
	if err != nil {
		t.Fatalf("get provider credential: %v", err)
	}
	if got.ID != "cred-1" {
		t.Fatalf("id = %q, want cred-1", got.ID)
	}
	if !bytes.Equal(got.Ciphertext, []byte{0x01, 0x02}) {
		t.Fatalf("ciphertext = %v, want [1 2]", got.Ciphertext)
	}

	// Re-sealing the same pair replaces material in place and keeps the row.
	if err := store.PutProviderCredential(context.Background(), storage.ProviderCredentialRecord{
		ID:         "cred-2",
		UserID:     "user-1",
		Provider:   "github",
		Ciphertext: []byte{0x09, 0x0A},
		IV:         []byte{0x0B},
		Tag:        []byte{0x0C},
		CreatedAt:  now.Add(time.Hour),
		UpdatedAt:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("replace provider credential: %v", err)
	}

	got, err = store.GetProviderCredential(context.Background(), "user-1", "github")
	if err != nil {
		t.Fatalf("get replaced provider credential: %v", err)
	}
	if got.ID != "cred-1" {
		t.Fatalf("id after replace = %q, want cred-1", got.ID)
	}
	if !bytes.Equal(got.Ciphertext, []byte{0x09, 0x0A}) {
		t.Fatalf("ciphertext after replace = %v, want [9 10]", got.Ciphertext)
	}
	if !got.UpdatedAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, now.Add(time.Hour))
	}

	if err := store.DeleteProviderCredential(context.Background(), "user-1", "github"); err != nil {
		t.Fatalf("delete provider credential: %v", err)
	}
	if err := store.DeleteProviderCredential(context.Background(), "user-1", "github"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := store.GetProviderCredential(context.Background(), "user-1", "github"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get deleted err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestUserPutGetAndResolveByHint(t *testing.T) {
	store, err := Open(t.TempDir() + "/countersign.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	if err := store.PutUser(context.Background(), storage.UserRecord{
		ID:          "user-1",
		Username:    "sable",
		DisplayName: "Sable",
		CreatedAt:   now,
	}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	got, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Username != "sable" {
		t.Fatalf("username = %q, want sable", got.Username)
	}

	byUsername, err := store.ResolveUserByHint(context.Background(), "sable")
	if err != nil {
		t.Fatalf("resolve by username: %v", err)
	}
	if byUsername.ID != "user-1" {
		t.Fatalf("resolved id = %q, want user-1", byUsername.ID)
	}

	byID, err := store.ResolveUserByHint(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if byID.ID != "user-1" {
		t.Fatalf("resolved id = %q, want user-1", byID.ID)
	}

	if _, err := store.ResolveUserByHint(context.Background(), "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("resolve unknown err = %v, want %v", err, storage.ErrNotFound)
	}

	if err := store.PutUser(context.Background(), storage.UserRecord{
		ID:        "user-2",
		Username:  "sable",
		CreatedAt: now,
	}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate username err = %v, want %v", err, storage.ErrConflict)
	}
}

func TestAuditEventAppendAndList(t *testing.T) {
	store, err := Open(t.TempDir() + "/countersign.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	events := []storage.AuditEventRecord{
		{EventName: "backchannel.initiated", ActorID: "client-1", UserID: "user-1", ClientID: "client-1", SubjectID: "req-1", Outcome: "success", CreatedAt: now},
		{EventName: "backchannel.approved", ActorID: "user-1", UserID: "user-1", ClientID: "client-1", SubjectID: "req-1", Outcome: "success", CreatedAt: now.Add(time.Minute)},
		{EventName: "grant.redeemed", ActorID: "agent-1", UserID: "user-1", SubjectID: "grant-1", Outcome: "success", CreatedAt: now.Add(2 * time.Minute)},
		{EventName: "backchannel.initiated", ActorID: "client-2", UserID: "user-2", ClientID: "client-2", SubjectID: "req-2", Outcome: "success", CreatedAt: now},
	}
	for i, event := range events {
		if err := store.PutAuditEvent(context.Background(), event); err != nil {
			t.Fatalf("put audit event %d: %v", i, err)
		}
	}

	first, err := store.ListAuditEventsByUser(context.Background(), "user-1", 2, "")
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.AuditEvents) != 2 {
		t.Fatalf("first page len = %d, want 2", len(first.AuditEvents))
	}
	if first.AuditEvents[0].EventName != "backchannel.initiated" {
		t.Fatalf("first event = %q, want backchannel.initiated", first.AuditEvents[0].EventName)
	}
	if first.NextPageToken == "" {
		t.Fatal("next page token is empty, want set")
	}

	second, err := store.ListAuditEventsByUser(context.Background(), "user-1", 2, first.NextPageToken)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.AuditEvents) != 1 {
		t.Fatalf("second page len = %d, want 1", len(second.AuditEvents))
	}
	if second.AuditEvents[0].EventName != "grant.redeemed" {
		t.Fatalf("second page event = %q, want grant.redeemed", second.AuditEvents[0].EventName)
	}
	if second.NextPageToken != "" {
		t.Fatalf("second page token = %q, want empty", second.NextPageToken)
	}

	if _, err := store.ListAuditEventsByUser(context.Background(), "user-1", 2, "not-a-number"); err == nil {
		t.Fatal("invalid page token accepted, want error")
	}
}
