package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Login performs primary authentication. The lock check runs before the
// password compare, so a locked account answers identically for right and
// wrong passwords. Unknown identifiers and password mismatches are both
// reported as ErrInvalidCredentials.
//
// When the account has an enabled second factor, no tokens are issued;
// the result carries a challenge token for ConfirmTwoFactorLogin instead.
func (e *Engine) Login(ctx context.Context, identifier, pass string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()

	acct, err := e.creds.AccountByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, auditLoginFailure, "", "", false, ErrInvalidCredentials,
				map[string]string{"identifier": identifier})
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr(err)
	}

	if err := e.checkPrimaryLock(acct, now); err != nil {
		e.metrics.Inc(MetricLoginLocked)
		e.emitAudit(ctx, auditLoginLocked, acct.UserID, "", false, err, nil)
		return nil, err
	}

	ok, verr := e.passwords.Verify(pass, acct.PasswordHash)
	if verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretCorrupted, verr)
	}
	if !ok {
		state, ferr := e.creds.RecordLoginFailure(ctx, acct.UserID, e.lockoutPolicy(), now)
		if ferr != nil {
			return nil, storeErr(ferr)
		}

		e.metrics.Inc(MetricLoginFailure)
		meta := map[string]string{"attempts": strconv.FormatUint(uint64(state.Attempts), 10)}
		if state.Locked {
			lockErr := &LockoutError{RetryAfter: state.RetryAfter}
			e.metrics.Inc(MetricLoginLocked)
			e.emitAudit(ctx, auditLoginLocked, acct.UserID, "", false, lockErr, meta)
			return nil, lockErr
		}
		e.emitAudit(ctx, auditLoginFailure, acct.UserID, "", false, ErrInvalidCredentials, meta)
		return nil, ErrInvalidCredentials
	}

	if err := e.creds.ResetLoginFailures(ctx, acct.UserID); err != nil {
		return nil, storeErr(err)
	}

	if acct.TwoFactorEnabled {
		token, err := e.issueLoginChallenge(ctx, acct, now)
		if err != nil {
			return nil, err
		}
		e.metrics.Inc(MetricTwoFactorRequired)
		e.metrics.Inc(MetricChallengeIssued)
		e.emitAudit(ctx, auditChallengeIssued, acct.UserID, e.config.Token.DefaultClientID, true, nil, nil)
		return &LoginResult{TwoFactorRequired: true, ChallengeToken: token}, nil
	}

	pair, err := e.issueGrant(ctx, tokenGrant{
		clientID:    e.config.Token.DefaultClientID,
		userID:      acct.UserID,
		tenantID:    acct.TenantID,
		scope:       e.config.Token.DefaultScope,
		withRefresh: true,
	}, now)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditLoginSuccess, acct.UserID, pair.ClientID, true, nil, nil)
	return &LoginResult{Tokens: pair}, nil
}
