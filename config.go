package authcore

import (
	"errors"
	"time"
)

// Config is the complete engine configuration. Builder starts from
// DefaultConfig; WithConfig replaces it wholesale and Build validates the
// result, so a constructed Engine never runs with out-of-range values.
type Config struct {
	Lockout   LockoutConfig
	TwoFactor TwoFactorConfig
	Token     TokenConfig
	Cache     CacheConfig
	Password  PasswordConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// LockoutConfig controls the primary brute-force lockout.
type LockoutConfig struct {
	// MaxAttempts is the consecutive-failure threshold that trips the lock.
	MaxAttempts int
	// LockDuration is how long the account stays locked once tripped.
	LockDuration time.Duration
	// FailureWindow is the stale-failure decay: a failure recorded after
	// this much quiet time restarts the counter at 1.
	FailureWindow time.Duration
}

// TOTPConfig controls RFC 6238 code generation and verification.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	// Skew is the accepted drift in time steps on each side of now.
	Skew int
}

// TwoFactorConfig controls enrollment, login confirmation and backup codes.
type TwoFactorConfig struct {
	TOTP TOTPConfig

	// SetupTTL bounds the window between starting enrollment and
	// verifying the first code.
	SetupTTL time.Duration
	// MaxAttempts is the consecutive second-factor failure threshold.
	MaxAttempts int
	// LockDuration is the second-factor lock applied at the threshold.
	// It is independent of the primary lockout.
	LockDuration time.Duration

	BackupCodeCount  int
	BackupCodeLength int

	// ChallengeTTL bounds the window between primary authentication and
	// second-factor confirmation.
	ChallengeTTL time.Duration
	// ChallengeMaxAttempts invalidates a single challenge after this many
	// failed confirmations.
	ChallengeMaxAttempts int
	// ChallengeSigningKey signs the opaque challenge token handed back to
	// the client. Required once any account has an enabled second factor.
	ChallengeSigningKey []byte
	// ChallengePrefix namespaces challenge records in Redis.
	ChallengePrefix string

	// DisableReplayProtection turns off the last-used-step check that
	// rejects an already-accepted TOTP code inside the drift window.
	DisableReplayProtection bool
}

// TokenConfig controls opaque token issuance and rotation.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// DefaultClientID and DefaultScope are bound to pairs issued through
	// interactive login.
	DefaultClientID string
	DefaultScope    []string

	// MachineRefresh lets IssueClientTokens mint refresh tokens for
	// machine clients. Off by default.
	MachineRefresh bool

	// DisableReuseDetection turns off family revocation when a
	// rotated-out refresh token is presented again.
	DisableReuseDetection bool
}

// CacheConfig controls the introspection cache.
type CacheConfig struct {
	// Prefix namespaces cache keys in Redis.
	Prefix string
	// TTLCeiling caps every cache entry TTL regardless of remaining
	// token lifetime.
	TTLCeiling time.Duration
	// FallbackMaxEntries bounds the in-process store used while Redis is
	// unreachable.
	FallbackMaxEntries int
}

// PasswordConfig mirrors the argon2id parameters of the password package.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events under backpressure instead of blocking the
	// calling goroutine. Drops are counted and exported.
	DropIfFull bool
	// MaxRetries is how many times a failed sink write is retried before
	// the event is escalated to the alert notifier.
	MaxRetries int
	// RetryBackoff is the pause between sink write retries.
	RetryBackoff time.Duration
}

// MetricsConfig controls the in-process counter set.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the documented defaults. Secrets (the challenge
// signing key) are intentionally absent and must be supplied.
func DefaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			MaxAttempts:   5,
			LockDuration:  30 * time.Minute,
			FailureWindow: 30 * time.Minute,
		},
		TwoFactor: TwoFactorConfig{
			TOTP: TOTPConfig{
				Issuer:    "authcore",
				Digits:    6,
				Period:    30,
				Algorithm: "SHA1",
				Skew:      2,
			},
			SetupTTL:             10 * time.Minute,
			MaxAttempts:          5,
			LockDuration:         15 * time.Minute,
			BackupCodeCount:      10,
			BackupCodeLength:     8,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 5,
			ChallengePrefix:      "a2c",
		},
		Token: TokenConfig{
			AccessTTL:       time.Hour,
			RefreshTTL:      14 * 24 * time.Hour,
			DefaultClientID: "web",
		},
		Cache: CacheConfig{
			Prefix:             "aci",
			TTLCeiling:         5 * time.Minute,
			FallbackMaxEntries: 4096,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:      true,
			BufferSize:   1024,
			DropIfFull:   true,
			MaxRetries:   3,
			RetryBackoff: 50 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations the engine cannot run safely with.
func (c Config) Validate() error {
	if c.Lockout.MaxAttempts < 1 {
		return errors.New("lockout max attempts must be >= 1")
	}
	if c.Lockout.LockDuration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if c.Lockout.FailureWindow <= 0 {
		return errors.New("lockout failure window must be positive")
	}

	if c.TwoFactor.TOTP.Issuer == "" {
		return errors.New("totp issuer must be set")
	}
	if c.TwoFactor.TOTP.Digits < 6 || c.TwoFactor.TOTP.Digits > 10 {
		return errors.New("totp digits must be between 6 and 10")
	}
	if c.TwoFactor.TOTP.Period < 15 {
		return errors.New("totp period must be >= 15 seconds")
	}
	switch c.TwoFactor.TOTP.Algorithm {
	case "", "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("totp algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TwoFactor.TOTP.Skew < 0 || c.TwoFactor.TOTP.Skew > 4 {
		return errors.New("totp skew must be between 0 and 4 steps")
	}
	if c.TwoFactor.SetupTTL <= 0 {
		return errors.New("two-factor setup ttl must be positive")
	}
	if c.TwoFactor.MaxAttempts < 1 {
		return errors.New("two-factor max attempts must be >= 1")
	}
	if c.TwoFactor.LockDuration <= 0 {
		return errors.New("two-factor lock duration must be positive")
	}
	if c.TwoFactor.BackupCodeCount < 1 {
		return errors.New("backup code count must be >= 1")
	}
	if c.TwoFactor.BackupCodeLength < 8 {
		return errors.New("backup code length must be >= 8")
	}
	if c.TwoFactor.ChallengeTTL <= 0 {
		return errors.New("challenge ttl must be positive")
	}
	if c.TwoFactor.ChallengeMaxAttempts < 1 {
		return errors.New("challenge max attempts must be >= 1")
	}

	if c.Token.AccessTTL <= 0 {
		return errors.New("access token ttl must be positive")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("refresh token ttl must exceed access token ttl")
	}
	if c.Token.DefaultClientID == "" {
		return errors.New("default client id must be set")
	}

	if c.Cache.TTLCeiling <= 0 {
		return errors.New("cache ttl ceiling must be positive")
	}
	if c.Cache.FallbackMaxEntries < 1 {
		return errors.New("cache fallback capacity must be >= 1")
	}

	if c.Audit.Enabled {
		if c.Audit.BufferSize < 1 {
			return errors.New("audit buffer size must be >= 1")
		}
		if c.Audit.MaxRetries < 0 {
			return errors.New("audit max retries must be >= 0")
		}
		if c.Audit.MaxRetries > 0 && c.Audit.RetryBackoff <= 0 {
			return errors.New("audit retry backoff must be positive")
		}
	}

	return nil
}
