package authcore

import (
	"context"
	"time"
)

// AccountRecord is the credential-store view of one account. Per-account
// security counters live here, never in Engine memory, so any instance
// behind a load balancer observes the same state.
type AccountRecord struct {
	UserID       string
	Identifier   string
	TenantID     string
	PasswordHash string

	FailedLoginAttempts uint32
	LastFailedLoginAt   *time.Time
	LockedUntil         *time.Time

	TwoFactorEnabled        bool
	TwoFactorPending        bool
	TwoFactorSecret         []byte
	TwoFactorSetupStartedAt *time.Time
	TwoFactorAttempts       uint32
	TwoFactorLastFailedAt   *time.Time
	TwoFactorVerifiedAt     *time.Time
	TOTPLastUsedStep        int64
}

// TokenRecord is one issued access/refresh pair at rest. Only SHA-256
// digests of the token strings are stored. Rows are revoked, never deleted.
type TokenRecord struct {
	ID       string
	FamilyID string
	ClientID string
	UserID   string
	TenantID string
	Scope    []string

	AccessDigest    [32]byte
	AccessExpiresAt time.Time

	RefreshDigest    *[32]byte
	RefreshExpiresAt *time.Time

	Revoked    bool
	RevokedAt  *time.Time
	ReplacedBy string
	CreatedAt  time.Time
}

// LockoutPolicy parameterizes the failure-counter transitions so the store
// can apply threshold, lock duration and stale-failure decay inside one
// transaction.
type LockoutPolicy struct {
	MaxAttempts   uint32
	LockDuration  time.Duration
	FailureWindow time.Duration
}

// LockState is the outcome of a counter transition.
type LockState struct {
	Attempts   uint32
	Locked     bool
	RetryAfter time.Duration
}

// TwoFactorEnrollment carries the material persisted when enrollment
// starts. Pending setups started before StaleBefore may be overwritten;
// an active pending setup or an enabled second factor must make
// SaveTwoFactorSetup fail with ErrTwoFactorConflict.
type TwoFactorEnrollment struct {
	Secret      []byte
	CodeDigests [][32]byte
	StartedAt   time.Time
	StaleBefore time.Time
}

// CredentialStore is the durable home of accounts and their security
// counters. Every mutating method must be a single atomic transition
// (row lock or CAS); concurrent callers across instances must never
// both observe the pre-transition state.
type CredentialStore interface {
	AccountByIdentifier(ctx context.Context, identifier string) (*AccountRecord, error)
	AccountByID(ctx context.Context, userID string) (*AccountRecord, error)

	// RecordLoginFailure applies decay, increments the counter and sets
	// the lock timestamp when the threshold is reached, all in one
	// transition.
	RecordLoginFailure(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (LockState, error)
	ResetLoginFailures(ctx context.Context, userID string) error

	SaveTwoFactorSetup(ctx context.Context, userID string, enrollment TwoFactorEnrollment) error
	// ActivateTwoFactor flips PENDING to ENABLED, clears setup bookkeeping
	// and resets the verification counter in one transition.
	ActivateTwoFactor(ctx context.Context, userID string, verifiedAt time.Time) error
	// ClearTwoFactor removes the secret, backup codes, pending state and
	// all second-factor counters.
	ClearTwoFactor(ctx context.Context, userID string) error
	RecordTwoFactorFailure(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (LockState, error)
	ResetTwoFactorFailures(ctx context.Context, userID string) error

	ReplaceBackupCodes(ctx context.Context, userID string, codeDigests [][32]byte) error
	// ConsumeBackupCode removes exactly the matching digest and reports
	// whether one was removed. Concurrent submissions of the same code
	// must produce a single winner.
	ConsumeBackupCode(ctx context.Context, userID string, codeDigest [32]byte) (bool, error)
	UpdateTOTPLastUsedStep(ctx context.Context, userID string, step int64) error

	// ExpirePendingSetups clears every pending enrollment started before
	// the cutoff and returns how many were cleared. Safe to run
	// concurrently from multiple instances.
	ExpirePendingSetups(ctx context.Context, startedBefore time.Time) (int64, error)
}

// TokenStore is the durable home of issued token pairs.
type TokenStore interface {
	Insert(ctx context.Context, record *TokenRecord) error
	ByAccessDigest(ctx context.Context, digest [32]byte) (*TokenRecord, error)

	// Rotate validates the presented refresh digest and replaces the pair
	// in one transaction: the matched row is revoked with ReplacedBy set,
	// next is inserted with ClientID, UserID, TenantID, Scope and FamilyID
	// copied from the matched row, and the prior row is returned.
	// Unknown or expired digests fail with ErrInvalidGrant. A digest whose
	// row is already revoked fails with ErrRefreshReuse and still returns
	// the matched row so the caller can act on its family.
	Rotate(ctx context.Context, refreshDigest [32]byte, next *TokenRecord, now time.Time) (*TokenRecord, error)

	// Revoke marks the row matching the digest (access or refresh side)
	// revoked and returns it. Unknown digests fail with ErrTokenNotFound.
	Revoke(ctx context.Context, digest [32]byte, now time.Time) (*TokenRecord, error)
	// RevokeAllForUser revokes every live row for the user, optionally
	// restricted to one client when clientID is non-empty, and returns
	// the rows it revoked.
	RevokeAllForUser(ctx context.Context, userID, clientID string, now time.Time) ([]*TokenRecord, error)
	RevokeFamily(ctx context.Context, familyID string, now time.Time) ([]*TokenRecord, error)
}

// TokenPair is an issued access/refresh pair. RefreshToken is empty for
// machine clients unless refresh issuance is enabled for them.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	TokenType       string
	ExpiresIn       int64
	AccessExpiresAt time.Time
	Scope           []string
	ClientID        string
	UserID          string
}

// LoginResult is the outcome of a successful primary authentication. When
// the account has an enabled second factor, Tokens is nil and
// ChallengeToken must be presented to ConfirmTwoFactorLogin.
type LoginResult struct {
	TwoFactorRequired bool
	ChallengeToken    string
	Tokens            *TokenPair
}

// TwoFactorSetup is the enrollment material returned once at setup start.
// BackupCodes are plaintext here and only here; the store keeps digests.
type TwoFactorSetup struct {
	Secret        string
	EnrollmentURI string
	BackupCodes   []string
	ExpiresAt     time.Time
}

// IntrospectionResult is the cacheable projection of a token's state.
type IntrospectionResult struct {
	Active    bool
	ClientID  string
	UserID    string
	Scope     []string
	ExpiresAt time.Time
}

// CodeKind selects which second factor a login confirmation presents.
type CodeKind uint8

const (
	CodeKindTOTP CodeKind = iota
	CodeKindBackup
)
