package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("not found")

// Lockout applies after this many consecutive failed logins.
const (
	MaxFailedLogins = 5
	LockoutDuration = 15 * time.Minute
)

type User struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"`
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLoginAt         *time.Time `json:"last_login_at"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
}

type MachineToken struct {
	ID         uuid.UUID  `json:"id"`
	TokenHash  string     `json:"-"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

const userColumns = `id, username, password_hash, role, created_at, last_login_at,
	failed_login_attempts, locked_until`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt,
		&u.LastLoginAt, &u.FailedLoginAttempts, &u.LockedUntil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresClient) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (p *PostgresClient) CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns, username, passwordHash, role))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

func (p *PostgresClient) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresClient) DeleteUser(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordLoginSuccess clears the failure counter and stamps the login time.
func (p *PostgresClient) RecordLoginSuccess(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, last_login_at = now()
		WHERE id = $1
	`, id)
	return err
}

// RecordLoginFailure counts a failed login and locks the account once the
// count reaches MaxFailedLogins.
func (p *PostgresClient) RecordLoginFailure(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN now() + make_interval(secs => $3)
		        ELSE locked_until
		    END
		WHERE id = $1
	`, id, MaxFailedLogins, LockoutDuration.Seconds())
	return err
}

const tokenColumns = `id, token_hash, name, role, created_by, created_at, last_used_at`

func scanMachineToken(row pgx.Row) (*MachineToken, error) {
	var t MachineToken
	err := row.Scan(&t.ID, &t.TokenHash, &t.Name, &t.Role, &t.CreatedBy, &t.CreatedAt, &t.LastUsedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresClient) CreateMachineToken(ctx context.Context, tokenHash, name, role, createdBy string) (*MachineToken, error) {
	t, err := scanMachineToken(p.pool.QueryRow(ctx, `
		INSERT INTO machine_tokens (token_hash, name, role, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING `+tokenColumns, tokenHash, name, role, createdBy))
	if err != nil {
		return nil, fmt.Errorf("failed to create machine token: %w", err)
	}
	return t, nil
}

func (p *PostgresClient) GetMachineTokenByHash(ctx context.Context, tokenHash string) (*MachineToken, error) {
	t, err := scanMachineToken(p.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM machine_tokens WHERE token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("machine token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get machine token: %w", err)
	}
	return t, nil
}

func (p *PostgresClient) UpdateMachineTokenLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE machine_tokens SET last_used_at = now() WHERE id = $1`, id)
	return err
}

func (p *PostgresClient) ListMachineTokens(ctx context.Context) ([]*MachineToken, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+tokenColumns+` FROM machine_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list machine tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*MachineToken
	for rows.Next() {
		t, err := scanMachineToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (p *PostgresClient) DeleteMachineToken(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM machine_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete machine token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("machine token %s: %w", id, ErrNotFound)
	}
	return nil
}
