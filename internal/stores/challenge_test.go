package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*LoginChallengeStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLoginChallengeStore(client, "a2c"), mr
}

func testChallenge(ttl time.Duration) *LoginChallenge {
	return &LoginChallenge{
		UserID:    "u1",
		TenantID:  "0",
		ClientID:  "web",
		Scope:     []string{"profile", "email"},
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
}

func TestChallengeSaveGetRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)

	record := testChallenge(5 * time.Minute)
	if err := s.Save(context.Background(), "c1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "u1" || got.TenantID != "0" || got.ClientID != "web" {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(got.Scope) != 2 || got.Scope[0] != "profile" || got.Scope[1] != "email" {
		t.Fatalf("scope lost in roundtrip: %+v", got.Scope)
	}
	if got.Attempts != 0 || got.ExpiresAt != record.ExpiresAt {
		t.Fatalf("unexpected bookkeeping %+v", got)
	}
}

func TestChallengeEmptyScopeRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)

	record := testChallenge(5 * time.Minute)
	record.Scope = nil
	if err := s.Save(context.Background(), "c1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Scope != nil {
		t.Fatalf("expected nil scope, got %+v", got.Scope)
	}
}

func TestChallengeGetUnknown(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeGetExpiredDeletes(t *testing.T) {
	s, mr := newTestStore(t)

	// The embedded expiry is in the past even though the redis TTL has not
	// fired yet.
	record := testChallenge(-time.Minute)
	if err := s.Save(context.Background(), "c1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := s.Get(context.Background(), "c1"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	if mr.Exists("a2c:c1") {
		t.Fatal("expected expired challenge deleted")
	}
}

func TestChallengeDelete(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save(context.Background(), "c1", testChallenge(5*time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	existed, err := s.Delete(context.Background(), "c1")
	if err != nil || !existed {
		t.Fatalf("expected delete of live challenge, existed=%v err=%v", existed, err)
	}

	existed, err = s.Delete(context.Background(), "c1")
	if err != nil || existed {
		t.Fatalf("expected second delete to find nothing, existed=%v err=%v", existed, err)
	}
}

func TestChallengeRecordFailure(t *testing.T) {
	s, mr := newTestStore(t)

	if err := s.Save(context.Background(), "c1", testChallenge(5*time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 1; i <= 4; i++ {
		exceeded, err := s.RecordFailure(context.Background(), "c1", 5)
		if err != nil {
			t.Fatalf("RecordFailure %d failed: %v", i, err)
		}
		if exceeded {
			t.Fatalf("attempt %d: not at the cap yet", i)
		}
		got, err := s.Get(context.Background(), "c1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if int(got.Attempts) != i {
			t.Fatalf("expected %d attempts, got %d", i, got.Attempts)
		}
	}

	exceeded, err := s.RecordFailure(context.Background(), "c1", 5)
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !exceeded {
		t.Fatal("expected cap at attempt 5")
	}
	if mr.Exists("a2c:c1") {
		t.Fatal("expected capped challenge deleted")
	}
}

func TestChallengeRecordFailureUnknown(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.RecordFailure(context.Background(), "nope", 5); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeRecordFailureExpired(t *testing.T) {
	s, mr := newTestStore(t)

	if err := s.Save(context.Background(), "c1", testChallenge(-time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := s.RecordFailure(context.Background(), "c1", 5); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	if mr.Exists("a2c:c1") {
		t.Fatal("expected expired challenge deleted")
	}
}
