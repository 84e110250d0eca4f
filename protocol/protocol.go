// Package protocol implements the OpenID 2.0 relying-party mechanics the
// handshake delegates to: identifier normalization, provider discovery,
// association establishment, and return-trip verification. All persistent
// state flows through the consumer's stores; the client keeps none of its
// own.
package protocol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	openid "github.com/modauth/openid-consumer-golang"
)

const (
	nsOpenID2 = "http://specs.openid.net/auth/2.0"
	nsSreg    = "http://openid.net/extensions/sreg/1.1"
)

type Client struct {
	h *http.Client
}

type ClientArgs struct {
	H *http.Client
}

func NewClient(args ClientArgs) *Client {
	if args.H == nil {
		args.H = &http.Client{
			Timeout: 5 * time.Second,
		}
	}

	return &Client{h: args.H}
}

// Normalize canonicalizes a user-supplied identifier: default scheme,
// lowercased scheme and host, fragment dropped, path defaulted to "/".
func (c *Client) Normalize(identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", fmt.Errorf("empty identifier: %w", openid.ErrInvalidIdentifier)
	}

	if !strings.Contains(id, "://") {
		id = "http://" + id
	}

	u, err := url.Parse(id)
	if err != nil {
		return "", fmt.Errorf("could not parse identifier %q: %w", identifier, openid.ErrInvalidIdentifier)
	}

	if u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("identifier %q is not an http(s) url: %w", identifier, openid.ErrInvalidIdentifier)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// CheckidSetup discovers the identifier's provider, queues the endpoint,
// negotiates an association, and builds the checkid_setup redirect URL.
func (c *Client) CheckidSetup(ctx context.Context, consumer *openid.Consumer, identity, returnTo, trustRoot string) (string, error) {
	if err := consumer.BeginQueueing(); err != nil {
		return "", err
	}

	disc, err := c.discover(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("could not discover provider for %s: %w", identity, err)
	}

	localID := disc.localID
	if localID == "" {
		localID = identity
	}

	if err := consumer.QueueEndpoint(disc.server, identity, localID); err != nil {
		return "", err
	}

	ep, err := consumer.QueuedEndpoint()
	if err != nil {
		return "", err
	}

	assoc, err := c.associate(ctx, consumer, ep.Server)
	if err != nil {
		if errors.Is(err, openid.ErrBackendUnavailable) {
			return "", err
		}
		// dumb mode: verification falls back to check_authentication
		slog.Debug("could not associate with provider, continuing stateless", "server", ep.Server, "err", err)
		assoc = nil
	}

	v := url.Values{}
	if disc.version2 {
		v.Add("openid.ns", nsOpenID2)
		v.Add("openid.claimed_id", ep.ClaimedID)
		v.Add("openid.realm", trustRoot)
	} else {
		v.Add("openid.trust_root", trustRoot)
	}
	v.Add("openid.mode", "checkid_setup")
	v.Add("openid.identity", ep.LocalID)
	v.Add("openid.return_to", returnTo)
	v.Add("openid.ns.sreg", nsSreg)
	if assoc != nil {
		v.Add("openid.assoc_handle", assoc.Handle)
	}

	separator := "?"
	if strings.Contains(ep.Server, "?") {
		separator = "&"
	}

	return ep.Server + separator + v.Encode(), nil
}

// associate reuses a live association for server or negotiates a new one and
// stores it through the consumer. Plain-text session: the MAC key travels in
// the clear, which is why provider endpoints are expected to be https.
func (c *Client) associate(ctx context.Context, consumer *openid.Consumer, server string) (*openid.Association, error) {
	assoc, err := consumer.FindAssociation(server)
	if err == nil {
		return assoc, nil
	}
	if !errors.Is(err, openid.ErrNotFound) {
		return nil, err
	}

	params := url.Values{
		"openid.ns":           {nsOpenID2},
		"openid.mode":         {"associate"},
		"openid.assoc_type":   {"HMAC-SHA256"},
		"openid.session_type": {"no-encryption"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", server, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating associate request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not get associate response from provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 associate response. code was %d", resp.StatusCode)
	}

	kv, err := parseKeyValueForm(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not parse associate response: %w", err)
	}

	handle := kv["assoc_handle"]
	if handle == "" {
		return nil, fmt.Errorf("associate response carried no assoc_handle")
	}

	secret, err := base64.StdEncoding.DecodeString(kv["mac_key"])
	if err != nil || len(secret) == 0 {
		return nil, fmt.Errorf("associate response carried no usable mac_key")
	}

	expiresIn, err := strconv.Atoi(kv["expires_in"])
	if err != nil || expiresIn <= 0 {
		return nil, fmt.Errorf("associate response carried no usable expires_in")
	}

	assocType := kv["assoc_type"]
	if assocType == "" {
		assocType = "HMAC-SHA256"
	}

	return consumer.StoreAssociation(server, handle, assocType, secret, time.Duration(expiresIn)*time.Second)
}

// VerifyReturn checks the provider's positive assertion. With a stored
// association the signature is recomputed locally; without one (or when the
// provider invalidated the handle) a direct check_authentication call does
// the work.
func (c *Client) VerifyReturn(ctx context.Context, consumer *openid.Consumer, params url.Values) (map[string]string, error) {
	if mode := params.Get("openid.mode"); mode != "id_res" {
		return nil, fmt.Errorf("response mode is %q, not id_res: %w", mode, openid.ErrVerificationFailed)
	}

	ep, err := consumer.QueuedEndpoint()
	if err != nil {
		return nil, err
	}

	// 1.x responses carry no op_endpoint; fall back to what discovery found.
	server := params.Get("openid.op_endpoint")
	if server == "" {
		server = ep.Server
	}

	if invalidated := params.Get("openid.invalidate_handle"); invalidated != "" {
		if err := consumer.InvalidateAssociation(server, invalidated); err != nil {
			return nil, err
		}
	}

	if err := verifySignedFields(params); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), openid.ErrVerificationFailed)
	}

	assoc, err := consumer.RetrieveAssociation(server, params.Get("openid.assoc_handle"))
	switch {
	case err == nil:
		if err := verifySignature(params, assoc); err != nil {
			return nil, fmt.Errorf("%s: %w", err.Error(), openid.ErrVerificationFailed)
		}
	case errors.Is(err, openid.ErrNotFound):
		if err := c.checkAuthentication(ctx, server, params); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	// Intentionally inert; see Consumer.CheckNonce.
	if err := consumer.CheckNonce(server, params.Get("openid.response_nonce")); err != nil {
		return nil, err
	}

	return sregAttributes(params), nil
}

// verifySignedFields makes sure the fields that matter are covered by the
// provider's signature. An unsigned identity assertion is worthless.
func verifySignedFields(params url.Values) error {
	required := map[string]bool{
		"return_to": false,
		"identity":  params.Get("openid.identity") == "",
	}
	if params.Get("openid.ns") == nsOpenID2 {
		required["op_endpoint"] = false
		required["response_nonce"] = false
		required["assoc_handle"] = false
		required["claimed_id"] = params.Get("openid.claimed_id") == ""
	}

	for _, field := range strings.Split(params.Get("openid.signed"), ",") {
		required[field] = true
	}

	for field, covered := range required {
		if !covered {
			return fmt.Errorf("%s must be signed but is not", field)
		}
	}

	return nil
}

// verifySignature recomputes the MAC over the signed field list and compares
// it against openid.sig.
func verifySignature(params url.Values, assoc *openid.Association) error {
	signed := params.Get("openid.signed")
	if signed == "" {
		return fmt.Errorf("response carried no signed field list")
	}

	var buf bytes.Buffer
	for _, field := range strings.Split(signed, ",") {
		buf.WriteString(field)
		buf.WriteString(":")
		buf.WriteString(params.Get("openid." + field))
		buf.WriteString("\n")
	}

	var mac hash.Hash
	switch assoc.Type {
	case "HMAC-SHA256":
		mac = hmac.New(sha256.New, assoc.Secret)
	case "HMAC-SHA1":
		mac = hmac.New(sha1.New, assoc.Secret)
	default:
		return fmt.Errorf("unsupported association type %q", assoc.Type)
	}

	mac.Write(buf.Bytes())
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(params.Get("openid.sig"))) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

// checkAuthentication asks the provider directly whether it issued the
// assertion, echoing the response parameters back with the mode swapped.
func (c *Client) checkAuthentication(ctx context.Context, server string, params url.Values) error {
	check := url.Values{}
	for key, values := range params {
		if key == "openid.mode" {
			continue
		}
		for _, value := range values {
			check.Add(key, value)
		}
	}
	check.Add("openid.mode", "check_authentication")

	req, err := http.NewRequestWithContext(ctx, "POST", server, strings.NewReader(check.Encode()))
	if err != nil {
		return fmt.Errorf("error creating check_authentication request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not get check_authentication response: %w", err)
	}
	defer resp.Body.Close()

	kv, err := parseKeyValueForm(resp.Body)
	if err != nil {
		return fmt.Errorf("could not parse check_authentication response: %w", err)
	}

	if kv["is_valid"] != "true" {
		return fmt.Errorf("provider rejected the assertion: %w", openid.ErrVerificationFailed)
	}

	return nil
}

// sregAttributes pulls simple-registration values off the response. They end
// up as session attributes.
func sregAttributes(params url.Values) map[string]string {
	attrs := map[string]string{}
	for key, values := range params {
		name, found := strings.CutPrefix(key, "openid.sreg.")
		if !found || len(values) == 0 {
			continue
		}
		attrs[name] = values[0]
	}
	return attrs
}
