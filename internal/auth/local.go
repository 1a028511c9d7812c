package auth

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

// LocalAuthenticator checks credentials against the local users table.
// The source system this was modeled on compared plaintext passwords in
// a column named pword; this reimplementation requires a bcrypt hash
// and never accepts a user row with auth_source != Local or a null hash
// (§4.6 step 5, §9 "Plaintext local passwords").
type LocalAuthenticator struct {
	queries *db.Queries
}

func NewLocalAuthenticator(queries *db.Queries) *LocalAuthenticator {
	return &LocalAuthenticator{queries: queries}
}

func (a *LocalAuthenticator) Authenticate(ctx context.Context, username, password string) (*db.User, error) {
	var u db.User
	row := a.queries.DB().QueryRowContext(ctx, `
		SELECT username, first_name, last_name, email, department, auth_source,
		       distinguished_name, last_sync_at, enabled, app_permissions, password_hash
		FROM users WHERE username = $1`, username)

	err := row.Scan(&u.Username, &u.FirstName, &u.LastName, &u.Email, &u.Department,
		&u.AuthSource, &u.DistinguishedName, &u.LastSyncAt, &u.Enabled, &u.AppPermissions, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, apperrors.InvalidCredentials()
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("local auth lookup: %w", err))
	}

	if u.AuthSource != "Local" {
		return nil, apperrors.InvalidCredentials()
	}
	if !u.PasswordHash.Valid || u.PasswordHash.String == "" {
		return nil, apperrors.InvalidCredentials()
	}
	if !u.Enabled {
		return nil, apperrors.InvalidCredentials()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash.String), []byte(password)); err != nil {
		return nil, apperrors.InvalidCredentials()
	}

	return &u, nil
}

// HashPassword is used by account provisioning/admin flows, never by the
// authenticate path itself.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
