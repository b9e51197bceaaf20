package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/authcore-io/authcore/internal"
)

// BeginTwoFactorSetup starts TOTP enrollment. It fails with
// ErrTwoFactorConflict while a setup is pending or the factor is enabled;
// an expired pending setup is overwritten as if it never happened. The
// returned material (secret, enrollment URI, plaintext backup codes) is
// shown exactly once.
func (e *Engine) BeginTwoFactorSetup(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()

	acct, err := e.creds.AccountByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, storeErr(err)
	}

	staleBefore := now.Add(-e.config.TwoFactor.SetupTTL)
	if acct.TwoFactorEnabled {
		return nil, ErrTwoFactorConflict
	}
	if acct.TwoFactorPending && acct.TwoFactorSetupStartedAt != nil &&
		acct.TwoFactorSetupStartedAt.After(staleBefore) {
		return nil, ErrTwoFactorConflict
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	codes, digests, err := e.generateBackupCodes(userID)
	if err != nil {
		return nil, err
	}

	err = e.creds.SaveTwoFactorSetup(ctx, userID, TwoFactorEnrollment{
		Secret:      secret,
		CodeDigests: digests,
		StartedAt:   now,
		StaleBefore: staleBefore,
	})
	if err != nil {
		if errors.Is(err, ErrTwoFactorConflict) {
			return nil, err
		}
		return nil, storeErr(err)
	}

	e.metrics.Inc(MetricTwoFactorSetupStarted)
	e.emitAudit(ctx, auditTwoFactorSetupStarted, userID, "", true, nil, nil)

	return &TwoFactorSetup{
		Secret:        secretBase32,
		EnrollmentURI: e.totp.ProvisionURI(secretBase32, acct.Identifier),
		BackupCodes:   codes,
		ExpiresAt:     now.Add(e.config.TwoFactor.SetupTTL),
	}, nil
}

// VerifyTwoFactorSetup proves possession of the enrolled authenticator and
// flips the account to ENABLED. An expired setup clears all pending
// material and fails with ErrSetupExpired; a later BeginTwoFactorSetup
// starts clean.
func (e *Engine) VerifyTwoFactorSetup(ctx context.Context, userID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	now := e.now()

	acct, err := e.creds.AccountByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return storeErr(err)
	}

	if acct.TwoFactorEnabled {
		return ErrTwoFactorConflict
	}
	if !acct.TwoFactorPending {
		return ErrSetupNotStarted
	}
	if acct.TwoFactorSetupStartedAt == nil ||
		now.After(acct.TwoFactorSetupStartedAt.Add(e.config.TwoFactor.SetupTTL)) {
		if err := e.creds.ClearTwoFactor(ctx, userID); err != nil {
			return storeErr(err)
		}
		e.metrics.Inc(MetricTwoFactorSetupExpired)
		e.emitAudit(ctx, auditTwoFactorSetupExpired, userID, "", false, ErrSetupExpired, nil)
		return ErrSetupExpired
	}
	if err := e.checkTwoFactorLock(acct, now); err != nil {
		return ErrTwoFactorAttemptsExceeded
	}

	ok, err := e.verifyTOTPCode(ctx, acct, code, now)
	if err != nil {
		return err
	}
	if !ok {
		state, ferr := e.creds.RecordTwoFactorFailure(ctx, userID, e.twoFactorPolicy(), now)
		if ferr != nil {
			return storeErr(ferr)
		}
		e.metrics.Inc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditTwoFactorFailure, userID, "", false, ErrTwoFactorCodeInvalid,
			map[string]string{"attempts": strconv.FormatUint(uint64(state.Attempts), 10), "phase": "setup"})
		if state.Locked {
			return ErrTwoFactorAttemptsExceeded
		}
		return ErrTwoFactorCodeInvalid
	}

	if err := e.creds.ActivateTwoFactor(ctx, userID, now); err != nil {
		return storeErr(err)
	}

	e.metrics.Inc(MetricTwoFactorEnabled)
	e.emitAudit(ctx, auditTwoFactorEnabled, userID, "", true, nil, nil)
	return nil
}

// CancelTwoFactorSetup abandons a pending enrollment.
func (e *Engine) CancelTwoFactorSetup(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	acct, err := e.creds.AccountByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return storeErr(err)
	}

	if acct.TwoFactorEnabled {
		return ErrTwoFactorConflict
	}
	if !acct.TwoFactorPending {
		return ErrSetupNotStarted
	}

	if err := e.creds.ClearTwoFactor(ctx, userID); err != nil {
		return storeErr(err)
	}

	e.metrics.Inc(MetricTwoFactorSetupCancelled)
	e.emitAudit(ctx, auditTwoFactorSetupCancelled, userID, "", true, nil, nil)
	return nil
}

// DisableTwoFactor re-verifies the account password and then clears the
// secret, backup codes and all second-factor counters.
func (e *Engine) DisableTwoFactor(ctx context.Context, userID, currentPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}

	acct, err := e.creds.AccountByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return storeErr(err)
	}

	ok, verr := e.passwords.Verify(currentPassword, acct.PasswordHash)
	if verr != nil {
		return fmt.Errorf("%w: %v", ErrSecretCorrupted, verr)
	}
	if !ok {
		e.emitAudit(ctx, auditTwoFactorDisabled, userID, "", false, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	if !acct.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if err := e.creds.ClearTwoFactor(ctx, userID); err != nil {
		return storeErr(err)
	}

	e.metrics.Inc(MetricTwoFactorDisabled)
	e.emitAudit(ctx, auditTwoFactorDisabled, userID, "", true, nil, nil)
	return nil
}

// RegenerateBackupCodes atomically replaces the full backup-code set. Old
// codes are invalid the moment this returns; there is no overlap window.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	acct, err := e.creds.AccountByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, storeErr(err)
	}

	if !acct.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	codes, digests, err := e.generateBackupCodes(userID)
	if err != nil {
		return nil, err
	}

	if err := e.creds.ReplaceBackupCodes(ctx, userID, digests); err != nil {
		return nil, storeErr(err)
	}

	e.metrics.Inc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, auditBackupCodesRegenerated, userID, "", true, nil,
		map[string]string{"count": strconv.Itoa(len(codes))})
	return codes, nil
}

// verifyTOTPCode checks the code inside the drift window and, unless
// replay protection is disabled, burns the matched step so the same code
// cannot authenticate twice.
func (e *Engine) verifyTOTPCode(ctx context.Context, acct *AccountRecord, code string, now time.Time) (bool, error) {
	ok, step, err := e.checkTOTPCode(acct, code, now)
	if err != nil || !ok {
		return false, err
	}
	if err := e.burnTOTPStep(ctx, acct.UserID, step); err != nil {
		return false, err
	}
	return true, nil
}

// checkTOTPCode verifies the code and the replay window without persisting
// anything, returning the matched step for a later burnTOTPStep.
func (e *Engine) checkTOTPCode(acct *AccountRecord, code string, now time.Time) (bool, int64, error) {
	if len(acct.TwoFactorSecret) == 0 {
		return false, 0, fmt.Errorf("%w: missing totp secret", ErrSecretCorrupted)
	}

	ok, step, err := e.totp.VerifyCode(acct.TwoFactorSecret, code, now)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrSecretCorrupted, err)
	}
	if !ok {
		return false, 0, nil
	}
	if !e.config.TwoFactor.DisableReplayProtection && step <= acct.TOTPLastUsedStep {
		return false, 0, nil
	}

	return true, step, nil
}

func (e *Engine) burnTOTPStep(ctx context.Context, userID string, step int64) error {
	if e.config.TwoFactor.DisableReplayProtection {
		return nil
	}
	if err := e.creds.UpdateTOTPLastUsedStep(ctx, userID, step); err != nil {
		return storeErr(err)
	}
	return nil
}

func (e *Engine) generateBackupCodes(userID string) ([]string, [][32]byte, error) {
	count := e.config.TwoFactor.BackupCodeCount
	codes := make([]string, 0, count)
	digests := make([][32]byte, 0, count)

	for len(codes) < count {
		canonical, err := internal.NewBackupCode(e.config.TwoFactor.BackupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, internal.FormatBackupCode(canonical))
		digests = append(digests, internal.BackupCodeDigest(userID, canonical))
	}

	return codes, digests, nil
}
