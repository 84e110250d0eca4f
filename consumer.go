package openid

import "time"

// Consumer is the storage-provider contract handed to the protocol client
// for one handshake attempt. It is keyed by the attempt's nonce token so the
// endpoint queued during discovery can be found again on the return trip.
type Consumer struct {
	Associations AssociationStore
	Endpoints    EndpointQueue

	token        string
	normalizedID string
}

// NewConsumer binds a consumer to an attempt token over an already-open
// backend. The caller keeps ownership of the backend.
func NewConsumer(backend *Backend, token string) *Consumer {
	return &Consumer{
		Associations: AssociationStore{Backend: backend},
		Endpoints:    EndpointQueue{Backend: backend},
		token:        token,
	}
}

func (c *Consumer) StoreAssociation(server, handle, assocType string, secret []byte, expiresIn time.Duration) (*Association, error) {
	return c.Associations.Store(server, handle, assocType, secret, expiresIn)
}

func (c *Consumer) RetrieveAssociation(server, handle string) (*Association, error) {
	return c.Associations.Retrieve(server, handle)
}

func (c *Consumer) FindAssociation(server string) (*Association, error) {
	return c.Associations.FindLatest(server)
}

func (c *Consumer) InvalidateAssociation(server, handle string) error {
	return c.Associations.Invalidate(server, handle)
}

// BeginQueueing clears any endpoint left over from an earlier attempt under
// the same token.
func (c *Consumer) BeginQueueing() error {
	return c.Endpoints.Reset(c.token)
}

// QueueEndpoint offers a discovered endpoint. Only the first offer per
// attempt sticks.
func (c *Consumer) QueueEndpoint(server, claimedID, localID string) error {
	return c.Endpoints.Enqueue(&Endpoint{
		Token:        c.token,
		Server:       server,
		ClaimedID:    claimedID,
		LocalID:      localID,
		NormalizedID: c.normalizedID,
	})
}

// QueuedEndpoint fetches the endpoint queued for this attempt.
func (c *Consumer) QueuedEndpoint() (*Endpoint, error) {
	return c.Endpoints.Dequeue(c.token)
}

// SetNormalizedID records the canonical form of the identifier the user
// submitted, carried on the queued endpoint across the round trip.
func (c *Consumer) SetNormalizedID(id string) {
	c.normalizedID = id
}

func (c *Consumer) NormalizedID() string {
	return c.normalizedID
}

// CheckNonce is deliberately inert. Replay protection belongs to NonceStore
// alone; honoring this hook as well would invalidate every nonce twice.
func (c *Consumer) CheckNonce(server, nonce string) error {
	return nil
}
