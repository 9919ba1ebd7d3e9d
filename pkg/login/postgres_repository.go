package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAccountRepository implements AccountRepository backed by Postgres.
//
// Schema:
//
//	CREATE TABLE accounts (
//	    id UUID PRIMARY KEY,
//	    username TEXT NOT NULL UNIQUE,
//	    email TEXT NOT NULL UNIQUE,
//	    password_hash BYTEA,
//	    password_changed_at TIMESTAMPTZ,
//	    email_verified BOOLEAN NOT NULL DEFAULT FALSE,
//	    role TEXT NOT NULL DEFAULT '',
//	    failed_attempts INT NOT NULL DEFAULT 0,
//	    last_failed_at TIMESTAMPTZ,
//	    locked_out BOOLEAN NOT NULL DEFAULT FALSE,
//	    lockout_until TIMESTAMPTZ,
//	    token_epoch BIGINT NOT NULL DEFAULT 0,
//	    reissue_epoch BIGINT NOT NULL DEFAULT 0,
//	    reissue_until TIMESTAMPTZ,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE password_history (
//	    account_id UUID NOT NULL REFERENCES accounts(id),
//	    hash BYTEA NOT NULL,
//	    changed_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE password_reset_codes (
//	    account_id UUID NOT NULL REFERENCES accounts(id),
//	    code TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL,
//	    used_at TIMESTAMPTZ
//	);
type PostgresAccountRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAccountRepository(pool *pgxpool.Pool) *PostgresAccountRepository {
	return &PostgresAccountRepository{pool: pool}
}

const accountColumns = `id, username, email, password_hash, password_changed_at, email_verified, role,
	failed_attempts, last_failed_at, locked_out, lockout_until, token_epoch, reissue_epoch,
	reissue_until, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var passwordChangedAt, lastFailedAt, lockoutUntil, reissueUntil *time.Time
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &passwordChangedAt,
		&a.EmailVerified, &a.Role, &a.FailedAttempts, &lastFailedAt, &a.LockedOut,
		&lockoutUntil, &a.TokenEpoch, &a.ReissueEpoch, &reissueUntil, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	if passwordChangedAt != nil {
		a.PasswordChangedAt = *passwordChangedAt
	}
	if lastFailedAt != nil {
		a.LastFailedAt = *lastFailedAt
	}
	if lockoutUntil != nil {
		a.LockoutUntil = *lockoutUntil
	}
	if reissueUntil != nil {
		a.ReissueUntil = *reissueUntil
	}
	return a, nil
}

func (r *PostgresAccountRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, password_changed_at, role, created_at, updated_at)
		VALUES ($1, LOWER($2), LOWER($3), $4, $5, $6, $7, $7)
		RETURNING `+accountColumns,
		uuid.New(), params.Username, params.Email, params.PasswordHash, now, params.Role, now)

	account, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "accounts_username_key":
				return Account{}, ErrDuplicateUsername
			case "accounts_email_key":
				return Account{}, ErrDuplicateEmail
			}
		}
		return Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

func (r *PostgresAccountRepository) GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (r *PostgresAccountRepository) FindAccountByUsername(ctx context.Context, username string) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = LOWER($1)`, username)
	return scanAccount(row)
}

func (r *PostgresAccountRepository) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = LOWER($1)`, email)
	return scanAccount(row)
}

// UpdateAccount applies fn inside a transaction holding a row lock on the
// account, so concurrent security updates serialize on the database.
func (r *PostgresAccountRepository) UpdateAccount(ctx context.Context, id uuid.UUID, fn func(*Account) error) (Account, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	account, err := scanAccount(row)
	if err != nil {
		return Account{}, err
	}

	if err := fn(&account); err != nil {
		return Account{}, err
	}
	account.UpdatedAt = time.Now().UTC()

	var lastFailedAt, lockoutUntil, reissueUntil *time.Time
	if !account.LastFailedAt.IsZero() {
		lastFailedAt = &account.LastFailedAt
	}
	if !account.LockoutUntil.IsZero() {
		lockoutUntil = &account.LockoutUntil
	}
	if !account.ReissueUntil.IsZero() {
		reissueUntil = &account.ReissueUntil
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts SET username = LOWER($2), email = LOWER($3), password_hash = $4,
			password_changed_at = $5, email_verified = $6, role = $7, failed_attempts = $8,
			last_failed_at = $9, locked_out = $10, lockout_until = $11, token_epoch = $12,
			reissue_epoch = $13, reissue_until = $14, updated_at = $15
		WHERE id = $1`,
		account.ID, account.Username, account.Email, account.PasswordHash,
		account.PasswordChangedAt, account.EmailVerified, account.Role, account.FailedAttempts,
		lastFailedAt, account.LockedOut, lockoutUntil, account.TokenEpoch,
		account.ReissueEpoch, reissueUntil, account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "accounts_username_key":
				return Account{}, ErrDuplicateUsername
			case "accounts_email_key":
				return Account{}, ErrDuplicateEmail
			}
		}
		return Account{}, fmt.Errorf("failed to update account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("failed to commit account update: %w", err)
	}
	return account, nil
}

func (r *PostgresAccountRepository) GetPasswordHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]PasswordHistoryEntry, error) {
	query := `SELECT hash, changed_at FROM password_history WHERE account_id = $1 ORDER BY changed_at DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query password history: %w", err)
	}
	defer rows.Close()

	var history []PasswordHistoryEntry
	for rows.Next() {
		var entry PasswordHistoryEntry
		if err := rows.Scan(&entry.Hash, &entry.ChangedAt); err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (r *PostgresAccountRepository) SetPasswordHistory(ctx context.Context, accountID uuid.UUID, history []PasswordHistoryEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM password_history WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to clear password history: %w", err)
	}
	for _, entry := range history {
		_, err := tx.Exec(ctx, `INSERT INTO password_history (account_id, hash, changed_at) VALUES ($1, $2, $3)`,
			accountID, entry.Hash, entry.ChangedAt)
		if err != nil {
			return fmt.Errorf("failed to insert password history entry: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresAccountRepository) SaveResetCode(ctx context.Context, code ResetCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO password_reset_codes (account_id, code, expires_at) VALUES ($1, $2, $3)`,
		code.AccountID, code.Code, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save reset code: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) ConsumeResetCode(ctx context.Context, accountID uuid.UUID, code string) error {
	var expiresAt time.Time
	var usedAt *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT expires_at, used_at FROM password_reset_codes
		WHERE account_id = $1 AND code = $2
		ORDER BY expires_at DESC LIMIT 1`,
		accountID, code).Scan(&expiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrResetCodeNotFound
		}
		return err
	}
	if usedAt != nil {
		return ErrResetCodeUsed
	}
	if time.Now().After(expiresAt) {
		return ErrResetCodeExpired
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE password_reset_codes SET used_at = NOW()
		WHERE account_id = $1 AND code = $2 AND used_at IS NULL`,
		accountID, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrResetCodeUsed
	}
	return nil
}
