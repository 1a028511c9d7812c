package auth

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/nwfth/partial-picking/internal/apperrors"
)

// DirectoryClient binds against the configured directory service. It is
// stateless and safe for concurrent use; every call opens and closes
// its own connection (§5 — no in-process cache of directory state).
type DirectoryClient struct {
	url     string
	baseDN  string
	domains []string
	timeout time.Duration
}

func NewDirectoryClient(url, baseDN string, domains []string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{url: url, baseDN: baseDN, domains: domains, timeout: timeout}
}

// DirectoryProfile is the set of attributes pulled from the directory on
// a successful bind, used to upsert the local user record (§4.6 step 2).
type DirectoryProfile struct {
	Username          string
	FirstName         string
	LastName          string
	Department        string
	Email             string
	DistinguishedName string
}

// Authenticate tries a bind for each configured domain in order,
// username@domain. Any connection-establishment failure is surfaced as
// apperrors.DirectoryUnreachable and MUST NOT be treated as a
// bad-credentials result by the caller (§4.6 step 4) — this dispatch
// distinction is the entire point of having two distinct error kinds.
// A successful connection that then fails to bind (refused credentials)
// is surfaced as apperrors.InvalidCredentials, which the caller is free
// to fall through on (§4.6 step 3).
func (c *DirectoryClient) Authenticate(username, password string) (*DirectoryProfile, error) {
	var lastBindErr error

	for _, domain := range c.domains {
		conn, err := c.dial()
		if err != nil {
			log.Printf("directory unreachable at %s: %v", c.url, err)
			return nil, apperrors.DirectoryUnreachable(err)
		}

		bindDN := fmt.Sprintf("%s@%s", username, domain)
		if err := conn.Bind(bindDN, password); err != nil {
			conn.Close()
			lastBindErr = err
			log.Printf("directory bind failed for %s: %v", bindDN, err)
			continue
		}

		profile, searchErr := c.searchProfile(conn, username)
		conn.Close()
		if searchErr != nil {
			return nil, apperrors.Internal(searchErr)
		}
		return profile, nil
	}

	if lastBindErr != nil {
		return nil, apperrors.InvalidCredentials()
	}
	return nil, apperrors.InvalidCredentials()
}

// dial distinguishes a reachability failure (network/connection error)
// from a bind failure: only this step maps to DirectoryUnreachable.
func (c *DirectoryClient) dial() (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := ldap.DialURL(c.url, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(c.timeout)
	return conn, nil
}

func (c *DirectoryClient) searchProfile(conn *ldap.Conn, username string) (*DirectoryProfile, error) {
	filter := fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		c.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, int(c.timeout.Seconds()), false,
		filter,
		[]string{"sAMAccountName", "givenName", "sn", "department", "employeeID", "mail", "distinguishedName"},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory search for %q failed: %w", username, err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("directory search for %q returned no entries after a successful bind", username)
	}

	entry := res.Entries[0]
	return &DirectoryProfile{
		Username:          username,
		FirstName:         entry.GetAttributeValue("givenName"),
		LastName:          entry.GetAttributeValue("sn"),
		Department:        entry.GetAttributeValue("department"),
		Email:             entry.GetAttributeValue("mail"),
		DistinguishedName: entry.GetAttributeValue("distinguishedName"),
	}, nil
}
