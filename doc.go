// Package authcore is an embeddable account security and token lifecycle
// engine for multi-tenant platforms.
//
// It covers four concerns:
//
//   - Brute-force lockout: per-account failure counters with stale-failure
//     decay and a fixed lock window, enforced before the password compare.
//   - TOTP second factor: enrollment with a bounded verification window,
//     drift-tolerant code checks with replay protection, and single-use
//     backup codes stored as salted digests.
//   - Opaque tokens: access/refresh pairs stored as SHA-256 digests,
//     atomic rotation, and family revocation when a rotated-out refresh
//     token is presented again.
//   - Introspection: a Redis read-through cache with proactive
//     invalidation on revoke and a bounded in-process fallback that keeps
//     the hot path answering through a Redis outage.
//
// The engine keeps no per-account state in memory. Accounts and tokens
// live behind the CredentialStore and TokenStore interfaces (a Postgres
// implementation ships in store/postgres); challenges and the
// introspection cache live in Redis. Any engine instance behind a load
// balancer therefore gives the same answers.
//
// Construct an Engine with Builder. Security-relevant outcomes are emitted
// as audit events through an async dispatcher that retries failed sink
// writes and escalates lost events to an alert notifier.
package authcore
