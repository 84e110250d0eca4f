package openid

import (
	"fmt"

	"github.com/modauth/openid-consumer-golang/internal/helpers"
)

// NonceStore issues the one-time tokens that tie a login attempt's start to
// its return trip.
type NonceStore struct {
	Backend *Backend
}

// Issue generates a fresh token bound to identity and persists it.
func (s NonceStore) Issue(identity string) (string, error) {
	if err := s.Backend.sweep(); err != nil {
		return "", err
	}

	token, err := helpers.GenerateToken(10)
	if err != nil {
		return "", fmt.Errorf("could not generate nonce token: %w", err)
	}

	nonce := &Nonce{
		Token:     token,
		Identity:  identity,
		ExpiresOn: s.Backend.now().Add(nonceLifespan).Unix(),
	}

	if err := s.Backend.db.Create(nonce).Error; err != nil {
		return "", s.Backend.fail("could not store nonce", err)
	}

	return token, nil
}

// IsValid reports whether an unexpired, unconsumed row exists for token. It
// does not consume the token.
func (s NonceStore) IsValid(token string) (bool, error) {
	if err := s.Backend.sweep(); err != nil {
		return false, err
	}

	var nonce Nonce
	if err := s.Backend.db.Raw(
		"SELECT * FROM nonces WHERE token = ? LIMIT 1", token,
	).Scan(&nonce).Error; err != nil {
		return false, s.Backend.fail("could not fetch nonce", err)
	}

	return nonce.Token != "", nil
}

// Identity returns the identifier bound when the token was issued.
func (s NonceStore) Identity(token string) (string, error) {
	if err := s.Backend.sweep(); err != nil {
		return "", err
	}

	var nonce Nonce
	if err := s.Backend.db.Raw(
		"SELECT * FROM nonces WHERE token = ? LIMIT 1", token,
	).Scan(&nonce).Error; err != nil {
		return "", s.Backend.fail("could not fetch nonce", err)
	}

	if nonce.Token == "" {
		return "", fmt.Errorf("nonce %s is absent or expired: %w", token, ErrNotFound)
	}

	return nonce.Identity, nil
}

// Consume deletes the token. Exactly one return trip can win.
func (s NonceStore) Consume(token string) error {
	if err := s.Backend.sweep(); err != nil {
		return err
	}

	if err := s.Backend.db.Exec("DELETE FROM nonces WHERE token = ?", token).Error; err != nil {
		return s.Backend.fail("could not consume nonce", err)
	}

	return nil
}
