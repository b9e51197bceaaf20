package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authcore-io/authcore/internal"
	"github.com/authcore-io/authcore/internal/stores"
)

const challengeTokenPurpose = "twofactor_login"

// challengeSigner wraps the Redis challenge ID in a signed envelope. The
// signature only authenticates the ID; the attempt counter, expiry and
// user binding stay server-side in the challenge record.
type challengeSigner struct {
	key []byte
}

type challengeClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

func (s *challengeSigner) Sign(challengeID string, expiresAt, now time.Time) (string, error) {
	claims := challengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   challengeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Purpose: challengeTokenPurpose,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

func (s *challengeSigner) Parse(token string) (string, error) {
	claims := &challengeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrChallengeExpired
		}
		return "", ErrChallengeInvalid
	}
	if !parsed.Valid || claims.Purpose != challengeTokenPurpose || claims.Subject == "" {
		return "", ErrChallengeInvalid
	}
	return claims.Subject, nil
}

func (e *Engine) issueLoginChallenge(ctx context.Context, acct *AccountRecord, now time.Time) (string, error) {
	if e.challenges == nil || e.signer == nil {
		return "", ErrEngineNotReady
	}

	challengeID, err := internal.NewChallengeID()
	if err != nil {
		return "", err
	}

	expiresAt := now.Add(e.config.TwoFactor.ChallengeTTL)
	record := &stores.LoginChallenge{
		UserID:    acct.UserID,
		TenantID:  acct.TenantID,
		ClientID:  e.config.Token.DefaultClientID,
		Scope:     e.config.Token.DefaultScope,
		ExpiresAt: expiresAt.Unix(),
	}
	if err := e.challenges.Save(ctx, challengeID, record, e.config.TwoFactor.ChallengeTTL); err != nil {
		return "", storeErr(err)
	}

	return e.signer.Sign(challengeID, expiresAt, now)
}

// ConfirmTwoFactorLogin completes a login that Login answered with a
// challenge. The code is either a TOTP code or a backup code; a matched
// backup code is consumed atomically and never works again. Failures burn
// a challenge attempt and a per-account attempt; either cap invalidates the
// path (fresh login required, or a 15 minute second-factor lock).
func (e *Engine) ConfirmTwoFactorLogin(ctx context.Context, challengeToken, code string, kind CodeKind) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.challenges == nil || e.signer == nil {
		return nil, ErrEngineNotReady
	}
	now := e.now()

	challengeID, err := e.signer.Parse(challengeToken)
	if err != nil {
		e.emitAudit(ctx, auditTwoFactorFailure, "", "", false, err, nil)
		return nil, err
	}

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrChallengeNotFound):
			return nil, ErrChallengeInvalid
		case errors.Is(err, stores.ErrChallengeExpired):
			e.metrics.Inc(MetricChallengeExpired)
			e.emitAudit(ctx, auditTwoFactorFailure, "", "", false, ErrChallengeExpired, nil)
			return nil, ErrChallengeExpired
		default:
			return nil, storeErr(err)
		}
	}

	acct, err := e.creds.AccountByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrChallengeInvalid
		}
		return nil, storeErr(err)
	}

	if err := e.checkTwoFactorLock(acct, now); err != nil {
		e.metrics.Inc(MetricTwoFactorLocked)
		e.emitAudit(ctx, auditTwoFactorLocked, acct.UserID, record.ClientID, false, err, nil)
		return nil, err
	}

	if !acct.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	var ok bool
	var totpStep int64
	usedBackup := kind == CodeKindBackup
	switch kind {
	case CodeKindTOTP:
		ok, totpStep, err = e.checkTOTPCode(acct, code, now)
		if err != nil {
			return nil, err
		}
	case CodeKindBackup:
		canonical := internal.CanonicalizeBackupCode(code)
		if canonical != "" {
			ok, err = e.creds.ConsumeBackupCode(ctx, acct.UserID, internal.BackupCodeDigest(acct.UserID, canonical))
			if err != nil {
				return nil, storeErr(err)
			}
		}
	default:
		return nil, ErrTwoFactorCodeInvalid
	}

	if !ok {
		return nil, e.recordConfirmFailure(ctx, challengeID, acct, record, usedBackup, now)
	}

	// Single use: a challenge that cannot be deleted here was already
	// consumed by a concurrent confirmation.
	deleted, derr := e.challenges.Delete(ctx, challengeID)
	if derr != nil {
		return nil, storeErr(derr)
	}
	if !deleted {
		return nil, ErrChallengeInvalid
	}

	// The matched step is burned only after the challenge is claimed, so a
	// confirmation that loses the single-use race does not spend the code.
	if !usedBackup {
		if err := e.burnTOTPStep(ctx, acct.UserID, totpStep); err != nil {
			return nil, err
		}
	}

	if err := e.creds.ResetTwoFactorFailures(ctx, acct.UserID); err != nil {
		return nil, storeErr(err)
	}

	pair, err := e.issueGrant(ctx, tokenGrant{
		clientID:    record.ClientID,
		userID:      acct.UserID,
		tenantID:    acct.TenantID,
		scope:       record.Scope,
		withRefresh: true,
	}, now)
	if err != nil {
		return nil, err
	}

	if usedBackup {
		e.metrics.Inc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditBackupCodeUsed, acct.UserID, record.ClientID, true, nil, nil)
	}
	e.metrics.Inc(MetricTwoFactorSuccess)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditTwoFactorSuccess, acct.UserID, record.ClientID, true, nil, nil)
	e.emitAudit(ctx, auditLoginSuccess, acct.UserID, record.ClientID, true, nil, nil)

	return &LoginResult{Tokens: pair}, nil
}

// recordConfirmFailure burns one challenge attempt and one per-account
// second-factor attempt, then reports the most restrictive outcome.
func (e *Engine) recordConfirmFailure(
	ctx context.Context,
	challengeID string,
	acct *AccountRecord,
	record *stores.LoginChallenge,
	usedBackup bool,
	now time.Time,
) error {
	exceeded, cerr := e.challenges.RecordFailure(ctx, challengeID, e.config.TwoFactor.ChallengeMaxAttempts)

	state, ferr := e.creds.RecordTwoFactorFailure(ctx, acct.UserID, e.twoFactorPolicy(), now)
	if ferr != nil {
		return storeErr(ferr)
	}

	if usedBackup {
		e.metrics.Inc(MetricBackupCodeFailed)
		e.emitAudit(ctx, auditBackupCodeFailed, acct.UserID, record.ClientID, false, ErrTwoFactorCodeInvalid, nil)
	} else {
		e.metrics.Inc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditTwoFactorFailure, acct.UserID, record.ClientID, false, ErrTwoFactorCodeInvalid, nil)
	}

	if cerr != nil && errors.Is(cerr, stores.ErrChallengeExpired) {
		e.metrics.Inc(MetricChallengeExpired)
		return ErrChallengeExpired
	}
	if exceeded {
		e.metrics.Inc(MetricChallengeAttemptsExceeded)
		return ErrChallengeAttemptsExceeded
	}
	if state.Locked {
		e.metrics.Inc(MetricTwoFactorLocked)
		lockErr := &TwoFactorLockError{RetryAfter: state.RetryAfter}
		e.emitAudit(ctx, auditTwoFactorLocked, acct.UserID, record.ClientID, false, lockErr, nil)
		return lockErr
	}
	return ErrTwoFactorCodeInvalid
}
