package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineNotReady is returned when an Engine method is called before Build wired its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidCredentials covers both unknown identifiers and password mismatches.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by CredentialStore lookups for unknown accounts.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountLocked is returned while the primary lockout window is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrTwoFactorRequired signals that a login needs second-factor confirmation.
	ErrTwoFactorRequired = errors.New("two-factor confirmation required")
	// ErrTwoFactorConflict is returned when enrollment is started while a setup is pending or already enabled.
	ErrTwoFactorConflict = errors.New("two-factor setup conflict")
	// ErrTwoFactorNotEnabled is returned by operations that require an enabled second factor.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrSetupNotStarted is returned when no pending enrollment exists for the account.
	ErrSetupNotStarted = errors.New("two-factor setup not started")
	// ErrSetupExpired is returned when the enrollment window elapsed; all pending state is cleared.
	ErrSetupExpired = errors.New("two-factor setup expired")
	// ErrTwoFactorCodeInvalid covers TOTP mismatches, replayed codes and unknown backup codes.
	ErrTwoFactorCodeInvalid = errors.New("invalid two-factor code")
	// ErrTwoFactorAttemptsExceeded is returned when the enrollment verification cap is reached.
	ErrTwoFactorAttemptsExceeded = errors.New("two-factor verification attempts exceeded")
	// ErrTwoFactorLocked is returned while the second-factor lock window is active.
	ErrTwoFactorLocked = errors.New("two-factor verification locked")
	// ErrChallengeInvalid is returned for unknown or malformed login challenge tokens.
	ErrChallengeInvalid = errors.New("login challenge invalid")
	// ErrChallengeExpired is returned when the login challenge TTL elapsed.
	ErrChallengeExpired = errors.New("login challenge expired")
	// ErrChallengeAttemptsExceeded is returned when the per-challenge attempt cap invalidated the challenge.
	ErrChallengeAttemptsExceeded = errors.New("login challenge attempts exceeded")
	// ErrInvalidGrant is returned for unknown, expired or revoked refresh tokens.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrTokenNotFound is returned by TokenStore lookups for unknown token digests.
	ErrTokenNotFound = errors.New("token not found")
	// ErrStoreUnavailable wraps transient credential or token store failures.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrCacheUnavailable wraps transient introspection cache failures.
	ErrCacheUnavailable = errors.New("introspection cache unavailable")
	// ErrSecretCorrupted is returned when persisted secret material cannot be used.
	ErrSecretCorrupted = errors.New("stored secret corrupted")
)

// ErrRefreshReuse is returned when a rotated-out refresh token is presented
// again. It unwraps to ErrInvalidGrant so transport layers can map both to
// the same response.
var ErrRefreshReuse = fmt.Errorf("%w: refresh token reuse detected", ErrInvalidGrant)

// LockoutError reports an active primary lockout together with the remaining
// lock duration. errors.Is(err, ErrAccountLocked) matches it.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

func (e *LockoutError) Is(target error) bool {
	return target == ErrAccountLocked
}

// TwoFactorLockError reports an active second-factor lock. It matches
// ErrTwoFactorLocked via errors.Is and is independent of the primary lockout.
type TwoFactorLockError struct {
	RetryAfter time.Duration
}

func (e *TwoFactorLockError) Error() string {
	return fmt.Sprintf("two-factor verification locked, retry after %s", e.RetryAfter)
}

func (e *TwoFactorLockError) Is(target error) bool {
	return target == ErrTwoFactorLocked
}
