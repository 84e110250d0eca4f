package openid

import (
	"log/slog"
	"time"
)

// SessionStore persists post-authentication identity bindings. Scoping
// (exact hostname, path prefix) is the handshake's job, not the store's.
type SessionStore struct {
	Backend *Backend
}

// Get returns the session for sessionID. An unknown or expired id yields a
// zero-identity session and no error.
func (s SessionStore) Get(sessionID string) (*Session, error) {
	if err := s.Backend.sweep(); err != nil {
		return nil, err
	}

	var sess Session
	if err := s.Backend.db.Raw(
		"SELECT * FROM sessions WHERE session_id = ? LIMIT 1", sessionID,
	).Scan(&sess).Error; err != nil {
		return nil, s.Backend.fail("could not fetch session", err)
	}

	sess.Attributes = map[string]string{}

	if sess.SessionID == "" {
		slog.Debug("no session found, probably just expired", "session_id", sessionID)
		return &sess, nil
	}

	var attrs []SessionAttribute
	if err := s.Backend.db.Raw(
		"SELECT session_attributes.* FROM session_attributes JOIN sessions ON session_attributes.session_ref = sessions.id WHERE sessions.session_id = ?",
		sessionID,
	).Scan(&attrs).Error; err != nil {
		return nil, s.Backend.fail("could not fetch session attributes", err)
	}

	for _, a := range attrs {
		sess.Attributes[a.Key] = a.Value
	}

	return &sess, nil
}

// Store inserts the session row plus one attribute row per entry in attrs.
// A zero lifespan means a browser-session cookie; such sessions still get a
// server-side safety TTL instead of living forever.
func (s SessionStore) Store(sessionID, hostname, path, identity string, attrs map[string]string, lifespan time.Duration) error {
	if err := s.Backend.sweep(); err != nil {
		return err
	}

	if lifespan == 0 {
		lifespan = browserSessionLifespan
	}
	expiresOn := s.Backend.now().Add(lifespan).Unix()

	sess := &Session{
		SessionID: sessionID,
		Hostname:  hostname,
		Path:      path,
		Identity:  identity,
		ExpiresOn: expiresOn,
	}

	if err := s.Backend.db.Create(sess).Error; err != nil {
		return s.Backend.fail("could not store session", err)
	}

	for key, value := range attrs {
		attr := &SessionAttribute{
			SessionRef: sess.ID,
			ExpiresOn:  expiresOn,
			Key:        key,
			Value:      value,
		}
		if err := s.Backend.db.Create(attr).Error; err != nil {
			return s.Backend.fail("could not store session attribute", err)
		}
	}

	return nil
}
