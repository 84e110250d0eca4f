package openid

import (
	"fmt"
	"log/slog"
	"time"
)

// AssociationStore persists provider-issued shared secrets. It is a value
// over a per-request Backend; nothing here outlives the request.
type AssociationStore struct {
	Backend *Backend
}

// Store inserts an association expiring expiresIn from now and returns it
// with FromCache unset.
func (s AssociationStore) Store(server, handle, assocType string, secret []byte, expiresIn time.Duration) (*Association, error) {
	if err := s.Backend.sweep(); err != nil {
		return nil, err
	}

	slog.Debug("storing association", "server", server, "handle", handle)

	assoc := &Association{
		Server:    server,
		Handle:    handle,
		Type:      assocType,
		Secret:    secret,
		ExpiresOn: s.Backend.now().Add(expiresIn).Unix(),
	}

	if err := s.Backend.db.Create(assoc).Error; err != nil {
		return nil, s.Backend.fail("could not store association", err)
	}

	return assoc, nil
}

// Retrieve looks up the association for an exact (server, handle) pair.
// Expired rows are unreadable: they are swept before the lookup runs.
func (s AssociationStore) Retrieve(server, handle string) (*Association, error) {
	if err := s.Backend.sweep(); err != nil {
		return nil, err
	}

	var assoc Association
	if err := s.Backend.db.Raw(
		"SELECT * FROM associations WHERE server = ? AND handle = ? LIMIT 1", server, handle,
	).Scan(&assoc).Error; err != nil {
		return nil, s.Backend.fail("could not fetch association", err)
	}

	if assoc.Handle == "" {
		slog.Debug("no association found", "server", server, "handle", handle)
		return nil, fmt.Errorf("no association for server %s with handle %s: %w", server, handle, ErrNotFound)
	}

	assoc.FromCache = true
	return &assoc, nil
}

// FindLatest returns any one live association for the server, for callers
// that have not yet negotiated a handle.
func (s AssociationStore) FindLatest(server string) (*Association, error) {
	if err := s.Backend.sweep(); err != nil {
		return nil, err
	}

	var assoc Association
	if err := s.Backend.db.Raw(
		"SELECT * FROM associations WHERE server = ? ORDER BY expires_on DESC LIMIT 1", server,
	).Scan(&assoc).Error; err != nil {
		return nil, s.Backend.fail("could not fetch association", err)
	}

	if assoc.Handle == "" {
		return nil, fmt.Errorf("no association for server %s: %w", server, ErrNotFound)
	}

	assoc.FromCache = true
	return &assoc, nil
}

// Invalidate deletes the matching association unconditionally. A miss is not
// an error; the provider has already told us the handle is dead.
func (s AssociationStore) Invalidate(server, handle string) error {
	if err := s.Backend.sweep(); err != nil {
		return err
	}

	slog.Debug("invalidating association", "server", server, "handle", handle)

	if err := s.Backend.db.Exec(
		"DELETE FROM associations WHERE server = ? AND handle = ?", server, handle,
	).Error; err != nil {
		return s.Backend.fail("could not invalidate association", err)
	}

	return nil
}

// Count reports the number of live associations. Used by maintenance
// tooling, never by the request path.
func (s AssociationStore) Count() (int64, error) {
	if err := s.Backend.sweep(); err != nil {
		return 0, err
	}

	var n int64
	if err := s.Backend.db.Raw("SELECT COUNT(*) FROM associations").Scan(&n).Error; err != nil {
		return 0, s.Backend.fail("could not count associations", err)
	}

	return n, nil
}
