// Package internaldefs holds the shared metric name table used by the
// exporter packages. Both exporters read the same definitions so a counter
// is named identically regardless of how it leaves the process.
package internaldefs

import (
	"github.com/authcore-io/authcore"
)

// CounterDef binds an engine counter ID to its exported name.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram ID to its exported name.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every engine counter in export order.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful login attempts."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed login attempts."},
	{ID: authcore.MetricLoginLocked, Name: "authcore_login_locked_total", Help: "Login attempts rejected by an active account lock."},
	{ID: authcore.MetricTwoFactorRequired, Name: "authcore_twofactor_required_total", Help: "Logins answered with a second-factor challenge."},
	{ID: authcore.MetricTwoFactorSetupStarted, Name: "authcore_twofactor_setup_started_total", Help: "Second-factor enrollments started."},
	{ID: authcore.MetricTwoFactorEnabled, Name: "authcore_twofactor_enabled_total", Help: "Second-factor enrollments verified and activated."},
	{ID: authcore.MetricTwoFactorDisabled, Name: "authcore_twofactor_disabled_total", Help: "Second factor disable operations."},
	{ID: authcore.MetricTwoFactorSetupExpired, Name: "authcore_twofactor_setup_expired_total", Help: "Enrollments discarded after the setup window elapsed."},
	{ID: authcore.MetricTwoFactorSetupCancelled, Name: "authcore_twofactor_setup_cancelled_total", Help: "Enrollments cancelled before verification."},
	{ID: authcore.MetricTwoFactorSuccess, Name: "authcore_twofactor_success_total", Help: "Successful second-factor verifications."},
	{ID: authcore.MetricTwoFactorFailure, Name: "authcore_twofactor_failure_total", Help: "Failed second-factor verifications."},
	{ID: authcore.MetricTwoFactorLocked, Name: "authcore_twofactor_locked_total", Help: "Second-factor attempts rejected by an active second-factor lock."},
	{ID: authcore.MetricBackupCodeUsed, Name: "authcore_backup_code_used_total", Help: "Successful backup-code authentications."},
	{ID: authcore.MetricBackupCodeFailed, Name: "authcore_backup_code_failed_total", Help: "Failed backup-code authentications."},
	{ID: authcore.MetricBackupCodesRegenerated, Name: "authcore_backup_codes_regenerated_total", Help: "Backup-code regeneration operations."},
	{ID: authcore.MetricChallengeIssued, Name: "authcore_challenge_issued_total", Help: "Login challenges issued."},
	{ID: authcore.MetricChallengeExpired, Name: "authcore_challenge_expired_total", Help: "Login challenges rejected as expired."},
	{ID: authcore.MetricChallengeAttemptsExceeded, Name: "authcore_challenge_attempts_exceeded_total", Help: "Login challenges invalidated by the attempt cap."},
	{ID: authcore.MetricTokenIssued, Name: "authcore_token_issued_total", Help: "Token pairs issued."},
	{ID: authcore.MetricTokenRotated, Name: "authcore_token_rotated_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRotateFailure, Name: "authcore_rotate_failure_total", Help: "Failed refresh rotations."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: authcore.MetricTokenRevoked, Name: "authcore_token_revoked_total", Help: "Single-token revocations."},
	{ID: authcore.MetricTokensRevokedAll, Name: "authcore_tokens_revoked_all_total", Help: "Revoke-all operations."},
	{ID: authcore.MetricIntrospectHit, Name: "authcore_introspect_hit_total", Help: "Introspections answered from cache."},
	{ID: authcore.MetricIntrospectMiss, Name: "authcore_introspect_miss_total", Help: "Introspections answered from the token store."},
	{ID: authcore.MetricIntrospectInactive, Name: "authcore_introspect_inactive_total", Help: "Introspections that answered inactive."},
	{ID: authcore.MetricCacheDegraded, Name: "authcore_cache_degraded_total", Help: "Cache operations served by the in-process fallback."},
	{ID: authcore.MetricSetupsSwept, Name: "authcore_setups_swept_total", Help: "Pending enrollments cleared by the sweeper."},
}

// HistogramDefs lists every engine histogram in export order.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricIntrospectLatency, Name: "authcore_introspect_latency_seconds", Help: "Introspection latency histogram."},
}

// HistogramBounds are the upper bounds of the fixed engine buckets, in
// seconds, as exposition strings.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with characters legal in
// instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a snapshot slice to the fixed bucket
// count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// both exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
