package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dyadlabs/dyad-server/internal/apperr"
)

// User is an account row. Users are created on first successful identity
// exchange and soft-deleted only (Deleted flag).
type User struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	Name                 *string   `json:"name,omitempty"`
	ExternalAccountToken *string   `json:"-"`
	Locked               bool      `json:"-"`
	Deleted              bool      `json:"-"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

const userColumns = `id, email, name, external_account_token, locked, deleted, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.ExternalAccountToken,
		&u.Locked, &u.Deleted, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.Pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1 AND NOT deleted
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeUserNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpsertUserByIdentity resolves the account for a verified identity.
// Lookup order is external account token, then email; a fresh row is
// inserted when neither matches. Repeating the same exchange always lands
// on the same user.
func (s *Store) UpsertUserByIdentity(ctx context.Context, externalToken, email, name string) (*User, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := scanUser(tx.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE external_account_token = $1 AND NOT deleted
	`, externalToken))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup by token: %w", err)
	}

	if u == nil && email != "" {
		u, err = scanUser(tx.QueryRow(ctx, `
			SELECT `+userColumns+`
			FROM users
			WHERE email = $1 AND NOT deleted
		`, email))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lookup by email: %w", err)
		}
	}

	switch {
	case u == nil:
		// The provider only reliably sends email on first sign-in, so it
		// must be present when the account does not exist yet.
		if email == "" {
			return nil, apperr.New(apperr.CodeUserNotFound, "no account matches this identity")
		}
		u, err = scanUser(tx.QueryRow(ctx, `
			INSERT INTO users (id, email, name, external_account_token)
			VALUES ($1, $2, NULLIF($3, ''), $4)
			RETURNING `+userColumns+`
		`, newID(), email, name, externalToken))
		if err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
		s.log.Info().Str("user_id", u.ID).Msg("user created from identity exchange")

	default:
		u, err = scanUser(tx.QueryRow(ctx, `
			UPDATE users SET
				external_account_token = COALESCE(external_account_token, $2),
				email = COALESCE(NULLIF($3, ''), email),
				name = COALESCE(NULLIF($4, ''), name),
				updated_at = now()
			WHERE id = $1
			RETURNING `+userColumns+`
		`, u.ID, externalToken, email, name))
		if err != nil {
			return nil, fmt.Errorf("update user identity: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return u, nil
}

// UpdateUserProfile applies name/email edits. Nil fields are untouched.
func (s *Store) UpdateUserProfile(ctx context.Context, id string, name, email *string) (*User, error) {
	u, err := scanUser(s.Pool.QueryRow(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			email = COALESCE($3, email),
			updated_at = now()
		WHERE id = $1 AND NOT deleted
		RETURNING `+userColumns+`
	`, id, name, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeUserNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}

// SetUserLocked flips the lockout flag for the account behind email.
// Missing accounts are ignored so the abuse ladder can flag emails that
// never signed up.
func (s *Store) SetUserLocked(ctx context.Context, email string, locked bool) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE users SET locked = $2, updated_at = now()
		WHERE lower(email) = lower($1) AND NOT deleted
	`, email, locked)
	if err != nil {
		return fmt.Errorf("set user locked: %w", err)
	}
	return nil
}
