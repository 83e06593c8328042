package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "echoflow.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUsageCountsSplitPlatformAndUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []UsageRecord{
		{UserID: "u1", ModelUsed: "platform:model-a", ActionType: "QUIZ"},
		{UserID: "u1", ModelUsed: "platform:model-b", ActionType: "HINT"},
		{UserID: "u2", ModelUsed: "platform:model-a", ActionType: "QUIZ"},
		// BYOK rows must not count against the platform budget.
		{UserID: "u1", ModelUsed: "byok:model-a", ActionType: "QUIZ"},
	}
	for _, rec := range rows {
		if err := s.InsertUsage(ctx, rec); err != nil {
			t.Fatalf("InsertUsage: %v", err)
		}
	}

	since := time.Now().UTC().Add(-time.Minute)
	platform, err := s.CountPlatformUsageSince(ctx, since)
	if err != nil {
		t.Fatalf("CountPlatformUsageSince: %v", err)
	}
	if platform != 3 {
		t.Fatalf("platform count = %d, want 3", platform)
	}
	user, err := s.CountUserPlatformUsageSince(ctx, "u1", since)
	if err != nil {
		t.Fatalf("CountUserPlatformUsageSince: %v", err)
	}
	if user != 2 {
		t.Fatalf("user count = %d, want 2", user)
	}
}

func TestUsageCountRespectsWindowStart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.InsertUsage(ctx, UsageRecord{UserID: "u1", ModelUsed: "platform:m", ActionType: "QUIZ"}); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}
	n, err := s.CountPlatformUsageSince(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("CountPlatformUsageSince: %v", err)
	}
	if n != 0 {
		t.Fatalf("future window count = %d, want 0", n)
	}
}

func TestUserKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetUserKey(ctx, "u1"); !errors.Is(err, ErrNoUserKey) {
		t.Fatalf("expected ErrNoUserKey, got %v", err)
	}
	if err := s.UpsertUserKey(ctx, "u1", UserKeyRecord{EncryptedKey: "v1:a:b:c", Last4: "1234"}); err != nil {
		t.Fatalf("UpsertUserKey: %v", err)
	}
	rec, err := s.GetUserKey(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserKey: %v", err)
	}
	if rec.EncryptedKey != "v1:a:b:c" || rec.Last4 != "1234" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if err := s.UpsertUserKey(ctx, "u1", UserKeyRecord{EncryptedKey: "v1:x:y:z", Last4: "9999"}); err != nil {
		t.Fatalf("UpsertUserKey replace: %v", err)
	}
	rec, err = s.GetUserKey(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserKey after replace: %v", err)
	}
	if rec.Last4 != "9999" {
		t.Fatalf("record not replaced: %+v", rec)
	}

	if err := s.DeleteUserKey(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUserKey: %v", err)
	}
	if _, err := s.GetUserKey(ctx, "u1"); !errors.Is(err, ErrNoUserKey) {
		t.Fatalf("expected ErrNoUserKey after delete, got %v", err)
	}
}
