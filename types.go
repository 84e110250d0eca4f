package openid

import (
	"context"
	"net/url"
)

// Association is a shared secret negotiated with a provider, used to verify
// signed assertions without a server-to-server call on every login.
type Association struct {
	ID        uint   `gorm:"primarykey"`
	Server    string `gorm:"index:idx_association_server_handle"`
	Handle    string `gorm:"index:idx_association_server_handle"`
	Type      string
	Secret    []byte
	ExpiresOn int64 `gorm:"index"`

	// FromCache is false only on the association returned by Store, so the
	// protocol client can tell a freshly minted secret from one read back
	// out of the table.
	FromCache bool `gorm:"-"`
}

// Endpoint is the provider endpoint discovered for one handshake attempt,
// queued under the attempt's token until the redirect is built.
type Endpoint struct {
	ID           uint   `gorm:"primarykey"`
	Token        string `gorm:"index"`
	Server       string
	ClaimedID    string
	LocalID      string
	NormalizedID string
	ExpiresOn    int64 `gorm:"index"`
}

// Nonce binds one login attempt to the identifier the user originally
// supplied. Single use: the return trip consumes it.
type Nonce struct {
	ID        uint   `gorm:"primarykey"`
	Token     string `gorm:"uniqueIndex"`
	Identity  string
	ExpiresOn int64 `gorm:"index"`
}

// Session is a post-authentication identity binding scoped to a hostname and
// path prefix.
type Session struct {
	ID        uint   `gorm:"primarykey"`
	SessionID string `gorm:"index"`
	Hostname  string
	Path      string
	Identity  string
	ExpiresOn int64 `gorm:"index"`

	Attributes map[string]string `gorm:"-"`
}

// SessionAttribute is one string-keyed value attached to a session, stored
// as a child row of the owning session.
type SessionAttribute struct {
	ID         uint  `gorm:"primarykey"`
	SessionRef uint  `gorm:"index"`
	ExpiresOn  int64 `gorm:"index"`
	Key        string
	Value      string
}

// RelyingParty is the protocol-library boundary the handshake delegates to.
// All persistent protocol state flows through the Consumer it is handed; an
// implementation keeps none of its own.
type RelyingParty interface {
	// Normalize canonicalizes a user-supplied identifier, or reports
	// ErrInvalidIdentifier.
	Normalize(identifier string) (string, error)

	// CheckidSetup discovers the identifier's provider, establishes an
	// association through the consumer's stores, and returns the URL the
	// user agent should be redirected to.
	CheckidSetup(ctx context.Context, c *Consumer, identity, returnTo, trustRoot string) (string, error)

	// VerifyReturn checks the provider's signed assertion against the
	// consumer's stored association and returns any simple-registration
	// attributes carried on the response.
	VerifyReturn(ctx context.Context, c *Consumer, params url.Values) (map[string]string, error)
}
