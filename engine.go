package authcore

import (
	"fmt"
	"sync"
	"time"

	internalaudit "github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/cache"
	"github.com/authcore-io/authcore/internal/stores"
	"github.com/authcore-io/authcore/password"
)

// Engine is the account security and token lifecycle core. It holds no
// per-account state in memory; every counter and token lives in the
// credential store, token store or Redis, so any instance behind a load
// balancer gives the same answers.
//
// Construct it with Builder. All methods are safe for concurrent use.
type Engine struct {
	config Config

	creds  CredentialStore
	tokens TokenStore

	passwords  *password.Hasher
	totp       *totpManager
	cache      *cache.Store
	challenges *stores.LoginChallengeStore
	signer     *challengeSigner

	audit   *internalaudit.Dispatcher
	metrics *Metrics

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepWG   sync.WaitGroup

	// now is the engine clock; tests override it to drive lock windows
	// and drift scenarios.
	now func() time.Time
}

func (e *Engine) ready() error {
	if e == nil || e.creds == nil || e.tokens == nil || e.passwords == nil {
		return ErrEngineNotReady
	}
	return nil
}

// Close stops the setup sweeper and drains the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.StopSetupSweeper()
	e.audit.Close()
}

// MetricsSnapshot returns a point-in-time copy of all engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}, Histograms: map[MetricID][]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped counts events dropped under dispatcher backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditFailed counts events whose sink writes failed after all retries and
// were escalated.
func (e *Engine) AuditFailed() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Failed()
}

// CacheDegraded reports whether this instance is serving introspection from
// its in-process fallback.
func (e *Engine) CacheDegraded() bool {
	return e != nil && e.cache.Degraded()
}

func (e *Engine) lockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxAttempts:   uint32(e.config.Lockout.MaxAttempts),
		LockDuration:  e.config.Lockout.LockDuration,
		FailureWindow: e.config.Lockout.FailureWindow,
	}
}

func (e *Engine) twoFactorPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxAttempts:   uint32(e.config.TwoFactor.MaxAttempts),
		LockDuration:  e.config.TwoFactor.LockDuration,
		FailureWindow: e.config.TwoFactor.LockDuration,
	}
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
