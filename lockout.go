package authcore

import "time"

// Lock evaluation is lazy: nothing unlocks accounts in the background. A
// LockedUntil in the past is simply ignored, and the stale-failure decay is
// applied by the store on the next recorded failure.

// checkPrimaryLock must run before the password is compared so a locked
// account leaks nothing about credential validity.
func (e *Engine) checkPrimaryLock(acct *AccountRecord, now time.Time) error {
	if acct.LockedUntil != nil && now.Before(*acct.LockedUntil) {
		return &LockoutError{RetryAfter: acct.LockedUntil.Sub(now)}
	}
	return nil
}

// checkTwoFactorLock derives the second-factor lock from the verification
// counter and the last failure timestamp. It is independent of the primary
// lockout; both can be active at once.
func (e *Engine) checkTwoFactorLock(acct *AccountRecord, now time.Time) error {
	policy := e.twoFactorPolicy()
	if acct.TwoFactorAttempts >= policy.MaxAttempts && acct.TwoFactorLastFailedAt != nil {
		until := acct.TwoFactorLastFailedAt.Add(policy.LockDuration)
		if now.Before(until) {
			return &TwoFactorLockError{RetryAfter: until.Sub(now)}
		}
	}
	return nil
}
