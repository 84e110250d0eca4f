package openid

import (
	"fmt"
	"log/slog"
)

// EndpointQueue holds the endpoint discovered for one handshake attempt,
// keyed by the attempt's token. Discovery may try to queue several
// candidates; only the first one queued per token is honored.
type EndpointQueue struct {
	Backend *Backend
}

// Reset clears anything queued under token. Called once when an attempt
// begins so a retried login starts from a clean slate.
func (q EndpointQueue) Reset(token string) error {
	if err := q.Backend.sweep(); err != nil {
		return err
	}

	if err := q.Backend.db.Exec("DELETE FROM endpoints WHERE token = ?", token).Error; err != nil {
		return q.Backend.fail("could not reset endpoint queue", err)
	}

	return nil
}

// Enqueue records ep unless something is already queued under its token.
// First write wins.
func (q EndpointQueue) Enqueue(ep *Endpoint) error {
	if err := q.Backend.sweep(); err != nil {
		return err
	}

	var existing Endpoint
	if err := q.Backend.db.Raw(
		"SELECT * FROM endpoints WHERE token = ? LIMIT 1", ep.Token,
	).Scan(&existing).Error; err != nil {
		return q.Backend.fail("could not check endpoint queue", err)
	}

	if existing.Token != "" {
		return nil
	}

	slog.Debug("queueing endpoint", "claimed_id", ep.ClaimedID, "local_id", ep.LocalID, "server", ep.Server)

	ep.ExpiresOn = q.Backend.now().Add(endpointLifespan).Unix()
	if err := q.Backend.db.Create(ep).Error; err != nil {
		return q.Backend.fail("could not queue endpoint", err)
	}

	return nil
}

// Dequeue fetches the endpoint queued under token. The row itself stays
// until the next Reset or expiry sweep.
func (q EndpointQueue) Dequeue(token string) (*Endpoint, error) {
	if err := q.Backend.sweep(); err != nil {
		return nil, err
	}

	var ep Endpoint
	if err := q.Backend.db.Raw(
		"SELECT * FROM endpoints WHERE token = ? LIMIT 1", token,
	).Scan(&ep).Error; err != nil {
		return nil, q.Backend.fail("could not fetch queued endpoint", err)
	}

	if ep.Token == "" {
		slog.Debug("no endpoint queued", "token", token)
		return nil, fmt.Errorf("nothing queued for this attempt: %w", ErrNoEndpointQueued)
	}

	return &ep, nil
}
