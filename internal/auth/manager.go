package auth

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/config"
	"github.com/nwfth/partial-picking/internal/db"
)

// Manager is C6: the dual-path authenticator. Directory bind is tried
// first; bad credentials fall through to the local database, but an
// unreachable directory never does — this asymmetry is the entire point
// of having two distinct error kinds (§4.6).
type Manager struct {
	cfg       *config.Config
	directory *DirectoryClient
	local     *LocalAuthenticator
	tokens    *TokenIssuer
	queries   *db.Queries
}

func NewManager(cfg *config.Config, queries *db.Queries) (*Manager, error) {
	if !cfg.EnableDirectoryAuth && !cfg.EnableLocalAuth {
		return nil, fmt.Errorf("both directory and local auth are disabled; enable at least one")
	}

	m := &Manager{
		cfg:     cfg,
		local:   NewLocalAuthenticator(queries),
		tokens:  NewTokenIssuer(cfg.SessionTokenSecret, cfg.SessionTokenTTL),
		queries: queries,
	}
	if cfg.EnableDirectoryAuth {
		m.directory = NewDirectoryClient(cfg.DirectoryURL, cfg.DirectoryBaseDN, cfg.DirectoryDomains, cfg.DirectoryTimeout)
	}
	return m, nil
}

// AuthResult is returned to the HTTP boundary on a successful login.
type AuthResult struct {
	Token      string
	ExpiresAt  time.Time
	User       *db.User
}

// Authenticate implements §4.6 in full.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*AuthResult, error) {
	var user *db.User

	if m.cfg.EnableDirectoryAuth {
		profile, err := m.directory.Authenticate(username, password)
		switch {
		case err == nil:
			u, upsertErr := m.upsertDirectoryUser(ctx, profile)
			if upsertErr != nil {
				return nil, apperrors.Internal(upsertErr)
			}
			user = u
		case apperrors.KindOf(err) == apperrors.KindDirectoryUnreachable:
			// Infrastructure failure must not silently degrade to the
			// local fallback (§4.6 step 4). Surfaced distinctly.
			return nil, err
		case apperrors.KindOf(err) == apperrors.KindInvalidCredentials:
			// Falls through to local, below.
			log.Printf("directory bind rejected credentials for %s, falling through to local auth", username)
		default:
			return nil, err
		}
	}

	if user == nil {
		if !m.cfg.EnableLocalAuth {
			return nil, apperrors.InvalidCredentials()
		}
		u, err := m.local.Authenticate(ctx, username, password)
		if err != nil {
			return nil, err
		}
		user = u
	}

	token, expiresAt, err := m.tokens.Issue(user.Username, user.AuthSource)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	return &AuthResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// VerifyToken validates a bearer token from the Authorization header.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	return m.tokens.Verify(tokenString)
}

// upsertDirectoryUser implements §4.6 step 2: insert if absent, else
// update name/department/dn and refresh the last-sync timestamp.
func (m *Manager) upsertDirectoryUser(ctx context.Context, profile *DirectoryProfile) (*db.User, error) {
	now := time.Now()
	_, err := m.queries.DB().ExecContext(ctx, `
		INSERT INTO users (username, first_name, last_name, email, department,
		                    auth_source, distinguished_name, last_sync_at, enabled, app_permissions)
		VALUES ($1,$2,$3,$4,$5,'Directory',$6,$7,true,$8)
		ON CONFLICT (username) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    email = EXCLUDED.email,
		    department = EXCLUDED.department,
		    auth_source = 'Directory',
		    distinguished_name = EXCLUDED.distinguished_name,
		    last_sync_at = EXCLUDED.last_sync_at`,
		profile.Username, profile.FirstName, profile.LastName, profile.Email, profile.Department,
		profile.DistinguishedName, now, defaultAppPermissions)
	if err != nil {
		return nil, fmt.Errorf("upsert directory user: %w", err)
	}

	var u db.User
	row := m.queries.DB().QueryRowContext(ctx, `
		SELECT username, first_name, last_name, email, department, auth_source,
		       distinguished_name, last_sync_at, enabled, app_permissions, password_hash
		FROM users WHERE username = $1`, profile.Username)
	if err := row.Scan(&u.Username, &u.FirstName, &u.LastName, &u.Email, &u.Department,
		&u.AuthSource, &u.DistinguishedName, &u.LastSyncAt, &u.Enabled, &u.AppPermissions, &u.PasswordHash); err != nil {
		return nil, fmt.Errorf("reload upserted user: %w", err)
	}
	return &u, nil
}

// defaultAppPermissions mirrors the original system's default grant for
// newly provisioned directory users.
const defaultAppPermissions = "putaway,picking,partial-picking"
