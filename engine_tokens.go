package authcore

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/authcore-io/authcore/internal"
)

type tokenGrant struct {
	clientID    string
	userID      string
	tenantID    string
	scope       []string
	familyID    string
	withRefresh bool
}

// issueGrant mints an opaque pair, persists its digests and returns the
// plaintext tokens. The plaintext never touches a store.
func (e *Engine) issueGrant(ctx context.Context, grant tokenGrant, now time.Time) (*TokenPair, error) {
	access, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	familyID := grant.familyID
	if familyID == "" {
		familyID = uuid.NewString()
	}

	record := &TokenRecord{
		ID:              uuid.NewString(),
		FamilyID:        familyID,
		ClientID:        grant.clientID,
		UserID:          grant.userID,
		TenantID:        grant.tenantID,
		Scope:           grant.scope,
		AccessDigest:    internal.HashToken(access),
		AccessExpiresAt: now.Add(e.config.Token.AccessTTL),
		CreatedAt:       now,
	}

	var refresh string
	if grant.withRefresh {
		refresh, err = internal.NewOpaqueToken()
		if err != nil {
			return nil, err
		}
		digest := internal.HashToken(refresh)
		expires := now.Add(e.config.Token.RefreshTTL)
		record.RefreshDigest = &digest
		record.RefreshExpiresAt = &expires
	}

	if err := e.tokens.Insert(ctx, record); err != nil {
		return nil, storeErr(err)
	}

	e.metrics.Inc(MetricTokenIssued)
	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    refresh,
		TokenType:       "Bearer",
		ExpiresIn:       int64(e.config.Token.AccessTTL.Seconds()),
		AccessExpiresAt: record.AccessExpiresAt,
		Scope:           grant.scope,
		ClientID:        grant.clientID,
		UserID:          grant.userID,
	}, nil
}

// IssueClientTokens mints a pair for a machine client. No refresh token is
// issued unless Token.MachineRefresh is enabled.
func (e *Engine) IssueClientTokens(ctx context.Context, clientID string, scope []string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, ErrInvalidGrant
	}

	pair, err := e.issueGrant(ctx, tokenGrant{
		clientID:    clientID,
		tenantID:    tenantIDFromContext(ctx),
		scope:       scope,
		withRefresh: e.config.Token.MachineRefresh,
	}, e.now())
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditTokenIssued, "", clientID, true, nil, nil)
	return pair, nil
}

// RotateTokens exchanges a live refresh token for a fresh pair in one store
// transaction. The new pair keeps the user, client, scope and family of the
// old one. Presenting an already-rotated refresh token is treated as theft
// evidence: the whole family is revoked and the caller gets ErrInvalidGrant
// (via ErrRefreshReuse).
func (e *Engine) RotateTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()

	access, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	refresh, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	refreshDigest := internal.HashToken(refresh)
	refreshExpires := now.Add(e.config.Token.RefreshTTL)
	next := &TokenRecord{
		ID:               uuid.NewString(),
		AccessDigest:     internal.HashToken(access),
		AccessExpiresAt:  now.Add(e.config.Token.AccessTTL),
		RefreshDigest:    &refreshDigest,
		RefreshExpiresAt: &refreshExpires,
		CreatedAt:        now,
	}

	prev, err := e.tokens.Rotate(ctx, internal.HashToken(refreshToken), next, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshReuse):
			e.metrics.Inc(MetricRefreshReuseDetected)
			meta := map[string]string{}
			if prev != nil && !e.config.Token.DisableReuseDetection {
				revoked, rerr := e.tokens.RevokeFamily(ctx, prev.FamilyID, now)
				if rerr == nil {
					e.invalidateIntrospection(ctx, revoked)
					meta["revoked"] = strconv.Itoa(len(revoked))
				}
				meta["family_id"] = prev.FamilyID
			}
			if prev != nil {
				e.emitAudit(ctx, auditRefreshReuseDetected, prev.UserID, prev.ClientID, false, err, meta)
			}
			return nil, err
		case errors.Is(err, ErrInvalidGrant):
			e.metrics.Inc(MetricRotateFailure)
			e.emitAudit(ctx, auditTokenRotateFailed, "", "", false, err, nil)
			return nil, ErrInvalidGrant
		default:
			return nil, storeErr(err)
		}
	}

	// The old access token died with the rotation; drop its cached
	// projection immediately.
	e.invalidateDigest(ctx, prev.AccessDigest)

	e.metrics.Inc(MetricTokenRotated)
	e.emitAudit(ctx, auditTokenRotated, prev.UserID, prev.ClientID, true, nil, nil)

	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    refresh,
		TokenType:       "Bearer",
		ExpiresIn:       int64(e.config.Token.AccessTTL.Seconds()),
		AccessExpiresAt: next.AccessExpiresAt,
		Scope:           prev.Scope,
		ClientID:        prev.ClientID,
		UserID:          prev.UserID,
	}, nil
}

// RevokeToken revokes the pair matching the presented token string (access
// or refresh side). Unknown tokens succeed: revocation is idempotent. With
// allSessions set, every live pair of the owning user is revoked too.
func (e *Engine) RevokeToken(ctx context.Context, token string, allSessions bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	now := e.now()

	record, err := e.tokens.Revoke(ctx, internal.HashToken(token), now)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil
		}
		return storeErr(err)
	}

	e.invalidateDigest(ctx, record.AccessDigest)
	e.metrics.Inc(MetricTokenRevoked)
	e.emitAudit(ctx, auditTokenRevoked, record.UserID, record.ClientID, true, nil, nil)

	if allSessions && record.UserID != "" {
		return e.RevokeAllForUser(ctx, record.UserID, "")
	}
	return nil
}

// RevokeAllForUser revokes every live pair of one user, optionally
// restricted to a single client, and invalidates their cached
// introspections.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID, clientID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	revoked, err := e.tokens.RevokeAllForUser(ctx, userID, clientID, e.now())
	if err != nil {
		return storeErr(err)
	}

	e.invalidateIntrospection(ctx, revoked)
	e.metrics.Inc(MetricTokensRevokedAll)
	e.emitAudit(ctx, auditTokensRevokedAll, userID, clientID, true, nil,
		map[string]string{"revoked": strconv.Itoa(len(revoked))})
	return nil
}

func (e *Engine) invalidateDigest(ctx context.Context, digest [32]byte) {
	if e.cache == nil {
		return
	}
	e.cache.Invalidate(ctx, hex.EncodeToString(digest[:]))
}

func (e *Engine) invalidateIntrospection(ctx context.Context, records []*TokenRecord) {
	for _, record := range records {
		e.invalidateDigest(ctx, record.AccessDigest)
	}
}
