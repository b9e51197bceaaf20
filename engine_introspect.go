package authcore

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/authcore-io/authcore/internal"
	"github.com/authcore-io/authcore/internal/cache"
)

// Introspect reports the live state of an access token. Inactive is a
// result, never an error. The read path is cache-first; a broken cache
// degrades to the in-process fallback and then to the token store, so
// introspection keeps answering through a Redis outage.
//
// An inactive answer carries nothing but Active=false.
func (e *Engine) Introspect(ctx context.Context, accessToken string) (*IntrospectionResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()

	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricIntrospectLatency, time.Since(start))
	}()

	digest := internal.HashToken(accessToken)
	key := hex.EncodeToString(digest[:])

	if e.cache != nil {
		if entry, ok := e.cache.Get(ctx, key, now); ok {
			e.metrics.Inc(MetricIntrospectHit)
			if e.cache.Degraded() {
				e.metrics.Inc(MetricCacheDegraded)
			}
			return &IntrospectionResult{
				Active:    entry.Active,
				ClientID:  entry.ClientID,
				UserID:    entry.UserID,
				Scope:     entry.Scope,
				ExpiresAt: time.Unix(entry.ExpiresAt, 0),
			}, nil
		}
	}

	e.metrics.Inc(MetricIntrospectMiss)

	record, err := e.tokens.ByAccessDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			e.metrics.Inc(MetricIntrospectInactive)
			return &IntrospectionResult{Active: false}, nil
		}
		return nil, storeErr(err)
	}

	if record.Revoked || !now.Before(record.AccessExpiresAt) {
		e.metrics.Inc(MetricIntrospectInactive)
		return &IntrospectionResult{Active: false}, nil
	}

	result := &IntrospectionResult{
		Active:    true,
		ClientID:  record.ClientID,
		UserID:    record.UserID,
		Scope:     record.Scope,
		ExpiresAt: record.AccessExpiresAt,
	}

	if e.cache != nil {
		e.cache.Put(ctx, key, cache.Entry{
			Active:    true,
			ClientID:  record.ClientID,
			UserID:    record.UserID,
			Scope:     record.Scope,
			ExpiresAt: record.AccessExpiresAt.Unix(),
		}, now)
		if e.cache.Degraded() {
			e.metrics.Inc(MetricCacheDegraded)
		}
	}

	return result, nil
}
