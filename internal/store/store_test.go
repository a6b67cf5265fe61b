// ABOUTME: Behavioral test suite run against every Store implementation
// ABOUTME: Covers challenge consume-once, counter CAS, and session lifecycle

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// storeImpls returns a fresh instance of each Store implementation.
// Both must honor the same atomicity contract, so every behavioral test
// runs against both.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"sqlite": sqliteStore,
		"mock":   NewMockStore(),
	}
}

func testUser(username string) *User {
	return &User{
		Username:        username,
		RecoveryKeyHash: "$2a$10$fakehashfortestingonly",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func testCredential(id, username string) *Credential {
	return &Credential{
		ID:            id,
		Username:      username,
		CredentialID:  []byte("raw-" + id),
		PublicKey:     []byte{0x01, 0x02, 0x03},
		Transports:    `["internal"]`,
		SignCount:     0,
		SigningSecret: "aabbccdd",
		DeviceClass:   DeviceClassSingle,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestUserLifecycle(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := st.CreateUser(ctx, testUser("alice")); err != nil {
				t.Fatalf("CreateUser failed: %v", err)
			}

			got, err := st.GetUser(ctx, "alice")
			if err != nil {
				t.Fatalf("GetUser failed: %v", err)
			}
			if got.Username != "alice" || got.RecoveryKeyHash == "" {
				t.Errorf("unexpected user: %+v", got)
			}

			if err := st.CreateUser(ctx, testUser("alice")); !errors.Is(err, ErrDuplicateUser) {
				t.Errorf("duplicate CreateUser = %v, want ErrDuplicateUser", err)
			}

			if _, err := st.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetUser(nobody) = %v, want ErrNotFound", err)
			}

			users, err := st.ListUsers(ctx)
			if err != nil {
				t.Fatalf("ListUsers failed: %v", err)
			}
			if len(users) != 1 {
				t.Errorf("ListUsers returned %d users, want 1", len(users))
			}
		})
	}
}

func TestConsumeChallengeOnce(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			challenge := &Challenge{
				ID:          "ch-1",
				User:        "alice",
				SessionData: []byte(`{"challenge":"abc"}`),
				UserAgent:   "test-agent",
				CreatedAt:   time.Now().UTC(),
			}
			if err := st.CreateChallenge(ctx, challenge); err != nil {
				t.Fatalf("CreateChallenge failed: %v", err)
			}

			got, err := st.ConsumeChallenge(ctx, "ch-1")
			if err != nil {
				t.Fatalf("first ConsumeChallenge failed: %v", err)
			}
			if got.User != "alice" || string(got.SessionData) != `{"challenge":"abc"}` {
				t.Errorf("unexpected challenge: %+v", got)
			}

			if _, err := st.ConsumeChallenge(ctx, "ch-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second ConsumeChallenge = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestConsumeChallengeConcurrent(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.CreateChallenge(ctx, &Challenge{
				ID:          "race",
				SessionData: []byte("{}"),
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				t.Fatalf("CreateChallenge failed: %v", err)
			}

			const goroutines = 16
			var wins int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := st.ConsumeChallenge(ctx, "race"); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if wins != 1 {
				t.Errorf("got %d winners, want exactly 1", wins)
			}
		})
	}
}

func TestGetChallengeByUser(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := st.GetChallengeByUser(ctx, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetChallengeByUser with no rows = %v, want ErrNotFound", err)
			}

			if err := st.CreateChallenge(ctx, &Challenge{
				ID:          "reg-1",
				User:        "alice",
				SessionData: []byte("{}"),
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				t.Fatalf("CreateChallenge failed: %v", err)
			}

			got, err := st.GetChallengeByUser(ctx, "alice")
			if err != nil {
				t.Fatalf("GetChallengeByUser failed: %v", err)
			}
			if got.ID != "reg-1" {
				t.Errorf("got challenge %q, want reg-1", got.ID)
			}
		})
	}
}

func TestDeleteExpiredChallenges(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			old := &Challenge{ID: "old", SessionData: []byte("{}"), CreatedAt: now.Add(-10 * time.Minute)}
			fresh := &Challenge{ID: "fresh", SessionData: []byte("{}"), CreatedAt: now}
			for _, c := range []*Challenge{old, fresh} {
				if err := st.CreateChallenge(ctx, c); err != nil {
					t.Fatalf("CreateChallenge failed: %v", err)
				}
			}

			if err := st.DeleteExpiredChallenges(ctx, now.Add(-3*time.Minute)); err != nil {
				t.Fatalf("DeleteExpiredChallenges failed: %v", err)
			}

			if _, err := st.ConsumeChallenge(ctx, "old"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expired challenge survived cleanup")
			}
			if _, err := st.ConsumeChallenge(ctx, "fresh"); err != nil {
				t.Errorf("fresh challenge was deleted: %v", err)
			}
		})
	}
}

func TestCredentialLifecycle(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			cred := testCredential("cred-1", "alice")
			if err := st.CreateCredential(ctx, cred); err != nil {
				t.Fatalf("CreateCredential failed: %v", err)
			}

			dup := testCredential("cred-2", "bob")
			dup.CredentialID = cred.CredentialID
			if err := st.CreateCredential(ctx, dup); !errors.Is(err, ErrDuplicateCredential) {
				t.Errorf("duplicate raw id = %v, want ErrDuplicateCredential", err)
			}

			got, err := st.GetCredential(ctx, "cred-1")
			if err != nil {
				t.Fatalf("GetCredential failed: %v", err)
			}
			if got.Username != "alice" || got.SigningSecret != "aabbccdd" {
				t.Errorf("unexpected credential: %+v", got)
			}
			if got.LastUsedAt != nil {
				t.Errorf("LastUsedAt = %v on a never-used credential", got.LastUsedAt)
			}

			byRaw, err := st.GetCredentialByCredentialID(ctx, cred.CredentialID)
			if err != nil {
				t.Fatalf("GetCredentialByCredentialID failed: %v", err)
			}
			if byRaw.ID != "cred-1" {
				t.Errorf("got %q, want cred-1", byRaw.ID)
			}

			if err := st.RevokeCredential(ctx, "cred-1"); err != nil {
				t.Fatalf("RevokeCredential failed: %v", err)
			}
			got, err = st.GetCredential(ctx, "cred-1")
			if err != nil {
				t.Fatalf("GetCredential after revoke failed: %v", err)
			}
			if !got.Revoked {
				t.Error("credential not marked revoked")
			}

			if err := st.RevokeCredential(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("RevokeCredential(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAdvanceSignCountCAS(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			cred := testCredential("cred-cas", "alice")
			cred.SignCount = 5
			if err := st.CreateCredential(ctx, cred); err != nil {
				t.Fatalf("CreateCredential failed: %v", err)
			}

			if err := st.AdvanceSignCount(ctx, "cred-cas", 5, 6); err != nil {
				t.Fatalf("AdvanceSignCount failed: %v", err)
			}

			// Stale expectation loses.
			if err := st.AdvanceSignCount(ctx, "cred-cas", 5, 7); !errors.Is(err, ErrStaleCounter) {
				t.Errorf("stale AdvanceSignCount = %v, want ErrStaleCounter", err)
			}

			got, err := st.GetCredential(ctx, "cred-cas")
			if err != nil {
				t.Fatalf("GetCredential failed: %v", err)
			}
			if got.SignCount != 6 {
				t.Errorf("SignCount = %d, want 6", got.SignCount)
			}
			if got.LastUsedAt == nil {
				t.Error("LastUsedAt not set after counter advance")
			}

			if err := st.AdvanceSignCount(ctx, "missing", 0, 1); !errors.Is(err, ErrNotFound) {
				t.Errorf("AdvanceSignCount(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAdvanceSignCountConcurrent(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			cred := testCredential("cred-race", "alice")
			cred.SignCount = 10
			if err := st.CreateCredential(ctx, cred); err != nil {
				t.Fatalf("CreateCredential failed: %v", err)
			}

			const goroutines = 16
			var wins int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					if err := st.AdvanceSignCount(ctx, "cred-race", 10, uint32(11+n)); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			if wins != 1 {
				t.Errorf("got %d winners, want exactly 1", wins)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			cred := testCredential("cred-s", "alice")
			if err := st.CreateCredential(ctx, cred); err != nil {
				t.Fatalf("CreateCredential failed: %v", err)
			}

			session := &Session{
				ID:           "sess-1",
				CredentialID: "cred-s",
				Username:     "alice",
				UserAgent:    "test-agent",
				IssuedAt:     now,
				ExpiresAt:    now.Add(48 * time.Hour),
				Active:       true,
			}
			if err := st.CreateSession(ctx, session); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}

			got, err := st.GetSession(ctx, "sess-1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if !got.Active || got.Username != "alice" || got.CredentialID != "cred-s" {
				t.Errorf("unexpected session: %+v", got)
			}

			if err := st.SetSessionActive(ctx, "sess-1", false); err != nil {
				t.Fatalf("SetSessionActive failed: %v", err)
			}
			got, _ = st.GetSession(ctx, "sess-1")
			if got.Active {
				t.Error("session still active after deactivation")
			}

			// Idempotent: same state again succeeds.
			if err := st.SetSessionActive(ctx, "sess-1", false); err != nil {
				t.Errorf("repeated SetSessionActive = %v, want nil", err)
			}
			if err := st.SetSessionActive(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
				t.Errorf("SetSessionActive(missing) = %v, want ErrNotFound", err)
			}

			sessions, err := st.ListSessionsByUser(ctx, "alice")
			if err != nil {
				t.Fatalf("ListSessionsByUser failed: %v", err)
			}
			if len(sessions) != 1 {
				t.Errorf("ListSessionsByUser returned %d sessions, want 1", len(sessions))
			}
		})
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	for name, st := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			cred := testCredential("cred-e", "alice")
			if err := st.CreateCredential(ctx, cred); err != nil {
				t.Fatalf("CreateCredential failed: %v", err)
			}

			for i, expiry := range []time.Time{now.Add(-time.Hour), now.Add(time.Hour)} {
				session := &Session{
					ID:           fmt.Sprintf("sess-%d", i),
					CredentialID: "cred-e",
					Username:     "alice",
					IssuedAt:     now.Add(-2 * time.Hour),
					ExpiresAt:    expiry,
					Active:       true,
				}
				if err := st.CreateSession(ctx, session); err != nil {
					t.Fatalf("CreateSession failed: %v", err)
				}
			}

			if err := st.DeleteExpiredSessions(ctx, now); err != nil {
				t.Fatalf("DeleteExpiredSessions failed: %v", err)
			}

			if _, err := st.GetSession(ctx, "sess-0"); !errors.Is(err, ErrNotFound) {
				t.Error("expired session survived cleanup")
			}
			if _, err := st.GetSession(ctx, "sess-1"); err != nil {
				t.Errorf("live session was deleted: %v", err)
			}
		})
	}
}
