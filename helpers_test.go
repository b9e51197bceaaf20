package authcore

import (
	"context"
	"encoding/base32"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/authcore-io/authcore/internal"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TwoFactor.ChallengeSigningKey = testSigningKey
	// Minimum argon2 cost keeps the suite fast.
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	return cfg
}

// testClock drives the engine clock deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newFakeStore()
	engine, err := NewBuilder().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(store).
		WithTokenStore(store).
		Build()
	if err != nil {
		t.Fatalf("engine build: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, store, mr
}

func useClock(engine *Engine, start time.Time) *testClock {
	clock := &testClock{now: start}
	engine.now = clock.Now
	return clock
}

func seedAccount(t *testing.T, engine *Engine, store *fakeStore, userID, identifier, pass string) {
	t.Helper()

	hash, err := engine.passwords.Hash(pass)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	store.putAccount(&AccountRecord{
		UserID:       userID,
		Identifier:   identifier,
		TenantID:     "0",
		PasswordHash: hash,
	})
}

func totpCodeAt(t *testing.T, secretBase32 string, cfg TOTPConfig, at time.Time) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	code, err := hotpCode(secret, at.Unix()/int64(cfg.Period), cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode: %v", err)
	}
	return code
}

// enableTwoFactor walks a user through enrollment and returns the setup
// material.
func enableTwoFactor(t *testing.T, engine *Engine, userID string, clock *testClock) *TwoFactorSetup {
	t.Helper()

	setup, err := engine.BeginTwoFactorSetup(context.Background(), userID)
	if err != nil {
		t.Fatalf("BeginTwoFactorSetup failed: %v", err)
	}

	code := totpCodeAt(t, setup.Secret, engine.config.TwoFactor.TOTP, clock.Now())
	if err := engine.VerifyTwoFactorSetup(context.Background(), userID, code); err != nil {
		t.Fatalf("VerifyTwoFactorSetup failed: %v", err)
	}
	return setup
}

// fakeStore is an in-memory CredentialStore and TokenStore with the same
// atomic-transition semantics the interfaces demand.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*AccountRecord
	byIdent  map[string]string
	backup   map[string]map[[32]byte]struct{}
	tokens   map[string]*TokenRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*AccountRecord),
		byIdent:  make(map[string]string),
		backup:   make(map[string]map[[32]byte]struct{}),
		tokens:   make(map[string]*TokenRecord),
	}
}

func digestOf(token string) [32]byte {
	return internal.HashToken(token)
}

func (s *fakeStore) putToken(record *TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[record.ID] = cloneTokenRecord(record)
}

func (s *fakeStore) putAccount(acct *AccountRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.UserID] = acct
	s.byIdent[acct.Identifier] = acct.UserID
}

func (s *fakeStore) account(userID string) *AccountRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[userID]; ok {
		out := *acct
		return &out
	}
	return nil
}

func (s *fakeStore) backupCodeCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backup[userID])
}

func cloneAccountRecord(acct *AccountRecord) *AccountRecord {
	out := *acct
	return &out
}

func (s *fakeStore) AccountByIdentifier(_ context.Context, identifier string) (*AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byIdent[identifier]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneAccountRecord(s.accounts[id]), nil
}

func (s *fakeStore) AccountByID(_ context.Context, userID string) (*AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneAccountRecord(acct), nil
}

func (s *fakeStore) RecordLoginFailure(_ context.Context, userID string, policy LockoutPolicy, now time.Time) (LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return LockState{}, ErrUserNotFound
	}

	if acct.LastFailedLoginAt != nil && now.Sub(*acct.LastFailedLoginAt) >= policy.FailureWindow {
		acct.FailedLoginAttempts = 0
	}
	acct.FailedLoginAttempts++
	acct.LastFailedLoginAt = &now

	state := LockState{Attempts: acct.FailedLoginAttempts}
	if acct.FailedLoginAttempts >= policy.MaxAttempts {
		until := now.Add(policy.LockDuration)
		acct.LockedUntil = &until
		state.Locked = true
		state.RetryAfter = policy.LockDuration
	}
	return state, nil
}

func (s *fakeStore) ResetLoginFailures(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		acct.FailedLoginAttempts = 0
		acct.LastFailedLoginAt = nil
		acct.LockedUntil = nil
	}
	return nil
}

func (s *fakeStore) SaveTwoFactorSetup(_ context.Context, userID string, enrollment TwoFactorEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ErrUserNotFound
	}
	if acct.TwoFactorEnabled {
		return ErrTwoFactorConflict
	}
	if acct.TwoFactorPending && acct.TwoFactorSetupStartedAt != nil &&
		acct.TwoFactorSetupStartedAt.After(enrollment.StaleBefore) {
		return ErrTwoFactorConflict
	}

	started := enrollment.StartedAt
	acct.TwoFactorPending = true
	acct.TwoFactorSecret = enrollment.Secret
	acct.TwoFactorSetupStartedAt = &started
	acct.TwoFactorAttempts = 0
	acct.TwoFactorLastFailedAt = nil
	acct.TOTPLastUsedStep = 0

	codes := make(map[[32]byte]struct{}, len(enrollment.CodeDigests))
	for _, digest := range enrollment.CodeDigests {
		codes[digest] = struct{}{}
	}
	s.backup[userID] = codes
	return nil
}

func (s *fakeStore) ActivateTwoFactor(_ context.Context, userID string, verifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ErrUserNotFound
	}
	if !acct.TwoFactorPending {
		return ErrSetupNotStarted
	}

	acct.TwoFactorEnabled = true
	acct.TwoFactorPending = false
	acct.TwoFactorSetupStartedAt = nil
	acct.TwoFactorAttempts = 0
	acct.TwoFactorLastFailedAt = nil
	acct.TwoFactorVerifiedAt = &verifiedAt
	return nil
}

func (s *fakeStore) ClearTwoFactor(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ErrUserNotFound
	}

	acct.TwoFactorEnabled = false
	acct.TwoFactorPending = false
	acct.TwoFactorSecret = nil
	acct.TwoFactorSetupStartedAt = nil
	acct.TwoFactorAttempts = 0
	acct.TwoFactorLastFailedAt = nil
	acct.TwoFactorVerifiedAt = nil
	acct.TOTPLastUsedStep = 0
	delete(s.backup, userID)
	return nil
}

func (s *fakeStore) RecordTwoFactorFailure(_ context.Context, userID string, policy LockoutPolicy, now time.Time) (LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return LockState{}, ErrUserNotFound
	}

	if acct.TwoFactorLastFailedAt != nil && now.Sub(*acct.TwoFactorLastFailedAt) >= policy.FailureWindow {
		acct.TwoFactorAttempts = 0
	}
	acct.TwoFactorAttempts++
	acct.TwoFactorLastFailedAt = &now

	state := LockState{Attempts: acct.TwoFactorAttempts}
	if acct.TwoFactorAttempts >= policy.MaxAttempts {
		state.Locked = true
		state.RetryAfter = policy.LockDuration
	}
	return state, nil
}

func (s *fakeStore) ResetTwoFactorFailures(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		acct.TwoFactorAttempts = 0
		acct.TwoFactorLastFailedAt = nil
	}
	return nil
}

func (s *fakeStore) ReplaceBackupCodes(_ context.Context, userID string, codeDigests [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := make(map[[32]byte]struct{}, len(codeDigests))
	for _, digest := range codeDigests {
		codes[digest] = struct{}{}
	}
	s.backup[userID] = codes
	return nil
}

func (s *fakeStore) ConsumeBackupCode(_ context.Context, userID string, codeDigest [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := s.backup[userID]
	if _, ok := codes[codeDigest]; !ok {
		return false, nil
	}
	delete(codes, codeDigest)
	return true, nil
}

func (s *fakeStore) UpdateTOTPLastUsedStep(_ context.Context, userID string, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok && acct.TOTPLastUsedStep < step {
		acct.TOTPLastUsedStep = step
	}
	return nil
}

func (s *fakeStore) ExpirePendingSetups(_ context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for userID, acct := range s.accounts {
		if acct.TwoFactorPending && acct.TwoFactorSetupStartedAt != nil &&
			acct.TwoFactorSetupStartedAt.Before(startedBefore) {
			acct.TwoFactorPending = false
			acct.TwoFactorSecret = nil
			acct.TwoFactorSetupStartedAt = nil
			acct.TwoFactorAttempts = 0
			acct.TwoFactorLastFailedAt = nil
			acct.TOTPLastUsedStep = 0
			delete(s.backup, userID)
			expired++
		}
	}
	return expired, nil
}

func cloneTokenRecord(record *TokenRecord) *TokenRecord {
	out := *record
	return &out
}

func (s *fakeStore) Insert(_ context.Context, record *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[record.ID] = cloneTokenRecord(record)
	return nil
}

func (s *fakeStore) ByAccessDigest(_ context.Context, digest [32]byte) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.tokens {
		if record.AccessDigest == digest {
			return cloneTokenRecord(record), nil
		}
	}
	return nil, ErrTokenNotFound
}

func (s *fakeStore) Rotate(_ context.Context, refreshDigest [32]byte, next *TokenRecord, now time.Time) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched *TokenRecord
	for _, record := range s.tokens {
		if record.RefreshDigest != nil && *record.RefreshDigest == refreshDigest {
			matched = record
			break
		}
	}
	if matched == nil {
		return nil, ErrInvalidGrant
	}
	if matched.Revoked {
		return cloneTokenRecord(matched), ErrRefreshReuse
	}
	if matched.RefreshExpiresAt == nil || !now.Before(*matched.RefreshExpiresAt) {
		return nil, ErrInvalidGrant
	}

	matched.Revoked = true
	matched.RevokedAt = &now
	matched.ReplacedBy = next.ID

	next.FamilyID = matched.FamilyID
	next.ClientID = matched.ClientID
	next.UserID = matched.UserID
	next.TenantID = matched.TenantID
	next.Scope = matched.Scope
	s.tokens[next.ID] = cloneTokenRecord(next)

	return cloneTokenRecord(matched), nil
}

func (s *fakeStore) Revoke(_ context.Context, digest [32]byte, now time.Time) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.tokens {
		if record.AccessDigest == digest ||
			(record.RefreshDigest != nil && *record.RefreshDigest == digest) {
			if !record.Revoked {
				record.Revoked = true
				record.RevokedAt = &now
			}
			return cloneTokenRecord(record), nil
		}
	}
	return nil, ErrTokenNotFound
}

func (s *fakeStore) RevokeAllForUser(_ context.Context, userID, clientID string, now time.Time) ([]*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked []*TokenRecord
	for _, record := range s.tokens {
		if record.UserID != userID || record.Revoked {
			continue
		}
		if clientID != "" && record.ClientID != clientID {
			continue
		}
		record.Revoked = true
		record.RevokedAt = &now
		revoked = append(revoked, cloneTokenRecord(record))
	}
	return revoked, nil
}

func (s *fakeStore) RevokeFamily(_ context.Context, familyID string, now time.Time) ([]*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked []*TokenRecord
	for _, record := range s.tokens {
		if record.FamilyID != familyID || record.Revoked {
			continue
		}
		record.Revoked = true
		record.RevokedAt = &now
		revoked = append(revoked, cloneTokenRecord(record))
	}
	return revoked, nil
}
