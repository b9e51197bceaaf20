package authcore

import (
	"context"
	"errors"

	internalaudit "github.com/authcore-io/authcore/internal/audit"
)

const (
	auditLoginSuccess            = "login_success"
	auditLoginFailure            = "login_failure"
	auditLoginLocked             = "login_locked"
	auditChallengeIssued         = "twofactor_challenge_issued"
	auditTwoFactorSetupStarted   = "twofactor_setup_started"
	auditTwoFactorEnabled        = "twofactor_enabled"
	auditTwoFactorSetupExpired   = "twofactor_setup_expired"
	auditTwoFactorSetupCancelled = "twofactor_setup_cancelled"
	auditTwoFactorDisabled       = "twofactor_disabled"
	auditTwoFactorSuccess        = "twofactor_success"
	auditTwoFactorFailure        = "twofactor_failure"
	auditTwoFactorLocked         = "twofactor_locked"
	auditBackupCodeUsed          = "backup_code_used"
	auditBackupCodeFailed        = "backup_code_failed"
	auditBackupCodesRegenerated  = "backup_codes_regenerated"
	auditTokenIssued             = "token_issued"
	auditTokenRotated            = "token_rotated"
	auditTokenRotateFailed       = "token_rotate_failed"
	auditRefreshReuseDetected    = "refresh_reuse_detected"
	auditTokenRevoked            = "token_revoked"
	auditTokensRevokedAll        = "tokens_revoked_all"
	auditSetupSweep              = "twofactor_setup_sweep"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	userID string,
	clientID string,
	success bool,
	failure error,
	metadata map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := internalaudit.Event{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantIDFromContext(ctx),
		ClientID:  clientID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if failure != nil {
		event.Error = auditErrorCode(failure)
	}

	e.audit.Emit(ctx, event)
}

// auditErrorCode maps engine errors to stable machine-readable codes so sink
// consumers never parse error strings.
func auditErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrTwoFactorLocked):
		return "twofactor_locked"
	case errors.Is(err, ErrTwoFactorConflict):
		return "twofactor_conflict"
	case errors.Is(err, ErrTwoFactorNotEnabled):
		return "twofactor_not_enabled"
	case errors.Is(err, ErrSetupNotStarted):
		return "setup_not_started"
	case errors.Is(err, ErrSetupExpired):
		return "setup_expired"
	case errors.Is(err, ErrTwoFactorCodeInvalid):
		return "invalid_code"
	case errors.Is(err, ErrTwoFactorAttemptsExceeded):
		return "too_many_attempts"
	case errors.Is(err, ErrChallengeAttemptsExceeded):
		return "challenge_attempts_exceeded"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrChallengeInvalid):
		return "challenge_invalid"
	case errors.Is(err, ErrRefreshReuse):
		return "refresh_reuse"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, ErrSecretCorrupted):
		return "secret_corrupted"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	default:
		return "internal_error"
	}
}
