package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/cache"
	"github.com/authcore-io/authcore/internal/stores"
	"github.com/authcore-io/authcore/password"
)

// Builder assembles an Engine. Redis, a CredentialStore and a TokenStore
// are required; everything else has defaults.
//
//	engine, err := authcore.NewBuilder().
//		WithRedis(client).
//		WithCredentialStore(creds).
//		WithTokenStore(tokens).
//		WithConfig(cfg).
//		Build()
type Builder struct {
	config   Config
	redis    redis.UniversalClient
	creds    CredentialStore
	tokens   TokenStore
	sink     AuditSink
	notifier AlertNotifier
}

func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the default configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.creds = store
	return b
}

func (b *Builder) WithTokenStore(store TokenStore) *Builder {
	b.tokens = store
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithAlertNotifier sets the escalation target for audit events whose sink
// writes failed after all retries.
func (b *Builder) WithAlertNotifier(notifier AlertNotifier) *Builder {
	b.notifier = notifier
	return b
}

// Build validates the configuration and wires the Engine. The returned
// Engine owns its audit dispatcher; call Close to drain it.
func (b *Builder) Build() (*Engine, error) {
	if b == nil {
		return nil, ErrEngineNotReady
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.creds == nil {
		return nil, errors.New("credential store is required")
	}
	if b.tokens == nil {
		return nil, errors.New("token store is required")
	}
	if len(cfg.TwoFactor.ChallengeSigningKey) < 32 {
		return nil, errors.New("challenge signing key must be at least 32 bytes")
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	engine := &Engine{
		config:    cfg,
		creds:     b.creds,
		tokens:    b.tokens,
		passwords: hasher,
		totp:      newTOTPManager(cfg.TwoFactor.TOTP),
		cache: cache.New(b.redis, cache.Config{
			Prefix:             cfg.Cache.Prefix,
			TTLCeiling:         cfg.Cache.TTLCeiling,
			FallbackMaxEntries: cfg.Cache.FallbackMaxEntries,
		}),
		challenges: stores.NewLoginChallengeStore(b.redis, cfg.TwoFactor.ChallengePrefix),
		signer:     &challengeSigner{key: cfg.TwoFactor.ChallengeSigningKey},
		metrics:    NewMetrics(cfg.Metrics),
		now:        time.Now,
	}

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:      cfg.Audit.Enabled,
		BufferSize:   cfg.Audit.BufferSize,
		DropIfFull:   cfg.Audit.DropIfFull,
		MaxRetries:   cfg.Audit.MaxRetries,
		RetryBackoff: cfg.Audit.RetryBackoff,
	}, b.sink, b.notifier)

	return engine, nil
}
