// Package postgres is the reference CredentialStore and TokenStore
// implementation. Counter transitions and rotation run inside
// transactions with row locks, so concurrent logins across engine
// instances never lose an increment.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authcore-io/authcore"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- accounts ---

const accountColumns = `user_id, identifier, tenant_id, password_hash,
	failed_login_attempts, last_failed_login_at, locked_until,
	twofactor_enabled, twofactor_pending, twofactor_secret,
	twofactor_setup_started_at, twofactor_attempts, twofactor_last_failed_at,
	twofactor_verified_at, totp_last_used_step`

func scanAccount(row pgx.Row) (*authcore.AccountRecord, error) {
	acct := &authcore.AccountRecord{}
	var loginAttempts, twoFactorAttempts int32

	err := row.Scan(
		&acct.UserID, &acct.Identifier, &acct.TenantID, &acct.PasswordHash,
		&loginAttempts, &acct.LastFailedLoginAt, &acct.LockedUntil,
		&acct.TwoFactorEnabled, &acct.TwoFactorPending, &acct.TwoFactorSecret,
		&acct.TwoFactorSetupStartedAt, &twoFactorAttempts, &acct.TwoFactorLastFailedAt,
		&acct.TwoFactorVerifiedAt, &acct.TOTPLastUsedStep,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, authcore.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	acct.FailedLoginAttempts = uint32(loginAttempts)
	acct.TwoFactorAttempts = uint32(twoFactorAttempts)
	return acct, nil
}

// CreateAccount inserts a new account row. Only identity and password
// fields are taken from the record; counters start clean.
func (s *Store) CreateAccount(ctx context.Context, acct *authcore.AccountRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, identifier, tenant_id, password_hash)
		 VALUES ($1, $2, $3, $4)`,
		acct.UserID, acct.Identifier, acct.TenantID, acct.PasswordHash,
	)
	return err
}

func (s *Store) AccountByIdentifier(ctx context.Context, identifier string) (*authcore.AccountRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE identifier = $1`, identifier)
	return scanAccount(row)
}

func (s *Store) AccountByID(ctx context.Context, userID string) (*authcore.AccountRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func (s *Store) RecordLoginFailure(
	ctx context.Context,
	userID string,
	policy authcore.LockoutPolicy,
	now time.Time,
) (authcore.LockState, error) {
	var state authcore.LockState

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var attempts int32
		var lastFailed *time.Time
		err := tx.QueryRow(ctx,
			`SELECT failed_login_attempts, last_failed_login_at
			 FROM accounts WHERE user_id = $1 FOR UPDATE`,
			userID,
		).Scan(&attempts, &lastFailed)
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.ErrUserNotFound
		}
		if err != nil {
			return err
		}

		// Stale-failure decay: a failure after a quiet window restarts
		// the streak at 1.
		if lastFailed != nil && now.Sub(*lastFailed) >= policy.FailureWindow {
			attempts = 0
		}
		attempts++

		var lockedUntil *time.Time
		if uint32(attempts) >= policy.MaxAttempts {
			t := now.Add(policy.LockDuration)
			lockedUntil = &t
			state.Locked = true
			state.RetryAfter = policy.LockDuration
		}
		state.Attempts = uint32(attempts)

		_, err = tx.Exec(ctx,
			`UPDATE accounts
			 SET failed_login_attempts = $2, last_failed_login_at = $3, locked_until = $4
			 WHERE user_id = $1`,
			userID, attempts, now, lockedUntil,
		)
		return err
	})
	return state, err
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET failed_login_attempts = 0, last_failed_login_at = NULL, locked_until = NULL
		 WHERE user_id = $1`,
		userID,
	)
	return err
}

func (s *Store) SaveTwoFactorSetup(
	ctx context.Context,
	userID string,
	enrollment authcore.TwoFactorEnrollment,
) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var enabled, pending bool
		var startedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT twofactor_enabled, twofactor_pending, twofactor_setup_started_at
			 FROM accounts WHERE user_id = $1 FOR UPDATE`,
			userID,
		).Scan(&enabled, &pending, &startedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.ErrUserNotFound
		}
		if err != nil {
			return err
		}

		if enabled {
			return authcore.ErrTwoFactorConflict
		}
		if pending && startedAt != nil && startedAt.After(enrollment.StaleBefore) {
			return authcore.ErrTwoFactorConflict
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts
			 SET twofactor_pending = TRUE, twofactor_secret = $2,
			     twofactor_setup_started_at = $3, twofactor_attempts = 0,
			     twofactor_last_failed_at = NULL, totp_last_used_step = 0
			 WHERE user_id = $1`,
			userID, enrollment.Secret, enrollment.StartedAt,
		)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM twofactor_backup_codes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, digest := range enrollment.CodeDigests {
			if _, err := tx.Exec(ctx,
				`INSERT INTO twofactor_backup_codes (user_id, code_digest) VALUES ($1, $2)`,
				userID, digest[:],
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ActivateTwoFactor(ctx context.Context, userID string, verifiedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET twofactor_enabled = TRUE, twofactor_pending = FALSE,
		     twofactor_setup_started_at = NULL, twofactor_attempts = 0,
		     twofactor_last_failed_at = NULL, twofactor_verified_at = $2
		 WHERE user_id = $1 AND twofactor_pending`,
		userID, verifiedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrSetupNotStarted
	}
	return nil
}

func (s *Store) ClearTwoFactor(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE accounts
			 SET twofactor_enabled = FALSE, twofactor_pending = FALSE,
			     twofactor_secret = NULL, twofactor_setup_started_at = NULL,
			     twofactor_attempts = 0, twofactor_last_failed_at = NULL,
			     twofactor_verified_at = NULL, totp_last_used_step = 0
			 WHERE user_id = $1`,
			userID,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM twofactor_backup_codes WHERE user_id = $1`, userID)
		return err
	})
}

func (s *Store) RecordTwoFactorFailure(
	ctx context.Context,
	userID string,
	policy authcore.LockoutPolicy,
	now time.Time,
) (authcore.LockState, error) {
	var state authcore.LockState

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var attempts int32
		var lastFailed *time.Time
		err := tx.QueryRow(ctx,
			`SELECT twofactor_attempts, twofactor_last_failed_at
			 FROM accounts WHERE user_id = $1 FOR UPDATE`,
			userID,
		).Scan(&attempts, &lastFailed)
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.ErrUserNotFound
		}
		if err != nil {
			return err
		}

		if lastFailed != nil && now.Sub(*lastFailed) >= policy.FailureWindow {
			attempts = 0
		}
		attempts++

		if uint32(attempts) >= policy.MaxAttempts {
			state.Locked = true
			state.RetryAfter = policy.LockDuration
		}
		state.Attempts = uint32(attempts)

		_, err = tx.Exec(ctx,
			`UPDATE accounts
			 SET twofactor_attempts = $2, twofactor_last_failed_at = $3
			 WHERE user_id = $1`,
			userID, attempts, now,
		)
		return err
	})
	return state, err
}

func (s *Store) ResetTwoFactorFailures(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET twofactor_attempts = 0, twofactor_last_failed_at = NULL
		 WHERE user_id = $1`,
		userID,
	)
	return err
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codeDigests [][32]byte) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM twofactor_backup_codes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, digest := range codeDigests {
			if _, err := tx.Exec(ctx,
				`INSERT INTO twofactor_backup_codes (user_id, code_digest) VALUES ($1, $2)`,
				userID, digest[:],
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConsumeBackupCode is a single DELETE; the row either existed and is gone
// or it did not. Concurrent submissions of the same code get one winner.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, codeDigest [32]byte) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM twofactor_backup_codes WHERE user_id = $1 AND code_digest = $2`,
		userID, codeDigest[:],
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateTOTPLastUsedStep(ctx context.Context, userID string, step int64) error {
	// Monotonic guard: a concurrent verify that already claimed a later
	// step wins and this write becomes a no-op.
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET totp_last_used_step = $2
		 WHERE user_id = $1 AND totp_last_used_step < $2`,
		userID, step,
	)
	return err
}

func (s *Store) ExpirePendingSetups(ctx context.Context, startedBefore time.Time) (int64, error) {
	var expired int64

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE accounts
			 SET twofactor_pending = FALSE, twofactor_secret = NULL,
			     twofactor_setup_started_at = NULL, twofactor_attempts = 0,
			     twofactor_last_failed_at = NULL, totp_last_used_step = 0
			 WHERE twofactor_pending AND twofactor_setup_started_at < $1
			 RETURNING user_id`,
			startedBefore,
		)
		if err != nil {
			return err
		}

		userIDs := make([]string, 0)
		for rows.Next() {
			var userID string
			if err := rows.Scan(&userID); err != nil {
				rows.Close()
				return err
			}
			userIDs = append(userIDs, userID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, userID := range userIDs {
			if _, err := tx.Exec(ctx,
				`DELETE FROM twofactor_backup_codes WHERE user_id = $1`, userID); err != nil {
				return err
			}
		}

		expired = int64(len(userIDs))
		return nil
	})
	return expired, err
}

// --- tokens ---

const tokenColumns = `id, family_id, client_id, user_id, tenant_id, scope,
	access_digest, access_expires_at, refresh_digest, refresh_expires_at,
	revoked, revoked_at, replaced_by, created_at`

func scanToken(row pgx.Row) (*authcore.TokenRecord, error) {
	record := &authcore.TokenRecord{}
	var userID, replacedBy *string
	var accessDigest, refreshDigest []byte

	err := row.Scan(
		&record.ID, &record.FamilyID, &record.ClientID, &userID, &record.TenantID,
		&record.Scope, &accessDigest, &record.AccessExpiresAt,
		&refreshDigest, &record.RefreshExpiresAt,
		&record.Revoked, &record.RevokedAt, &replacedBy, &record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, authcore.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	if userID != nil {
		record.UserID = *userID
	}
	if replacedBy != nil {
		record.ReplacedBy = *replacedBy
	}
	copy(record.AccessDigest[:], accessDigest)
	if refreshDigest != nil {
		var digest [32]byte
		copy(digest[:], refreshDigest)
		record.RefreshDigest = &digest
	}
	return record, nil
}

func insertToken(ctx context.Context, tx pgx.Tx, record *authcore.TokenRecord) error {
	var refreshDigest []byte
	if record.RefreshDigest != nil {
		refreshDigest = record.RefreshDigest[:]
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO tokens
		   (id, family_id, client_id, user_id, tenant_id, scope,
		    access_digest, access_expires_at, refresh_digest, refresh_expires_at,
		    revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)`,
		record.ID, record.FamilyID, record.ClientID, nullIfEmpty(record.UserID),
		record.TenantID, record.Scope,
		record.AccessDigest[:], record.AccessExpiresAt,
		refreshDigest, record.RefreshExpiresAt, record.CreatedAt,
	)
	return err
}

func (s *Store) Insert(ctx context.Context, record *authcore.TokenRecord) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertToken(ctx, tx, record)
	})
}

func (s *Store) ByAccessDigest(ctx context.Context, digest [32]byte) (*authcore.TokenRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE access_digest = $1`, digest[:])
	return scanToken(row)
}

func (s *Store) Rotate(
	ctx context.Context,
	refreshDigest [32]byte,
	next *authcore.TokenRecord,
	now time.Time,
) (*authcore.TokenRecord, error) {
	var prior *authcore.TokenRecord

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+tokenColumns+` FROM tokens WHERE refresh_digest = $1 FOR UPDATE`,
			refreshDigest[:])
		matched, err := scanToken(row)
		if errors.Is(err, authcore.ErrTokenNotFound) {
			return authcore.ErrInvalidGrant
		}
		if err != nil {
			return err
		}
		prior = matched

		if matched.Revoked {
			return authcore.ErrRefreshReuse
		}
		if matched.RefreshExpiresAt == nil || !now.Before(*matched.RefreshExpiresAt) {
			return authcore.ErrInvalidGrant
		}

		if _, err := tx.Exec(ctx,
			`UPDATE tokens SET revoked = TRUE, revoked_at = $2, replaced_by = $3 WHERE id = $1`,
			matched.ID, now, next.ID,
		); err != nil {
			return err
		}

		next.FamilyID = matched.FamilyID
		next.ClientID = matched.ClientID
		next.UserID = matched.UserID
		next.TenantID = matched.TenantID
		next.Scope = matched.Scope
		return insertToken(ctx, tx, next)
	})
	if err != nil {
		if errors.Is(err, authcore.ErrRefreshReuse) {
			return prior, err
		}
		return nil, err
	}
	return prior, nil
}

func (s *Store) Revoke(ctx context.Context, digest [32]byte, now time.Time) (*authcore.TokenRecord, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tokens
		 SET revoked = TRUE, revoked_at = COALESCE(revoked_at, $2)
		 WHERE access_digest = $1 OR refresh_digest = $1
		 RETURNING `+tokenColumns,
		digest[:], now,
	)
	return scanToken(row)
}

func (s *Store) RevokeAllForUser(
	ctx context.Context,
	userID, clientID string,
	now time.Time,
) ([]*authcore.TokenRecord, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE tokens
		 SET revoked = TRUE, revoked_at = $2
		 WHERE user_id = $1 AND NOT revoked AND ($3 = '' OR client_id = $3)
		 RETURNING `+tokenColumns,
		userID, now, clientID,
	)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (s *Store) RevokeFamily(
	ctx context.Context,
	familyID string,
	now time.Time,
) ([]*authcore.TokenRecord, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE tokens
		 SET revoked = TRUE, revoked_at = $2
		 WHERE family_id = $1 AND NOT revoked
		 RETURNING `+tokenColumns,
		familyID, now,
	)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func collectTokens(rows pgx.Rows) ([]*authcore.TokenRecord, error) {
	defer rows.Close()

	records := make([]*authcore.TokenRecord, 0)
	for rows.Next() {
		record, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
