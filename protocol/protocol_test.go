package protocol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	openid "github.com/modauth/openid-consumer-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestNormalize(t *testing.T) {
	assert := assert.New(t)
	client := NewClient(ClientArgs{})

	cases := []struct {
		in   string
		want string
	}{
		{"alice.example", "http://alice.example/"},
		{"  alice.example  ", "http://alice.example/"},
		{"HTTP://Alice.Example/Page", "http://alice.example/Page"},
		{"https://alice.example/page#frag", "https://alice.example/page"},
		{"https://alice.example", "https://alice.example/"},
	}

	for _, c := range cases {
		got, err := client.Normalize(c.in)
		assert.NoError(err, c.in)
		assert.Equal(c.want, got, c.in)
	}

	for _, bad := range []string{"", "   ", "ftp://alice.example/"} {
		_, err := client.Normalize(bad)
		assert.ErrorIs(err, openid.ErrInvalidIdentifier, bad)
	}
}

func TestDiscovery(t *testing.T) {
	assert := assert.New(t)
	client := NewClient(ClientArgs{})

	identityPage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
			<link rel="openid2.provider" href="https://idp.example/op" />
			<link rel="openid2.local_id" href="https://users.idp.example/alice" />
			<link rel="openid.server" href="https://legacy.example/op" />
		</head><body>alice</body></html>`)
	}))
	defer identityPage.Close()

	disc, err := client.discover(ctx, identityPage.URL)
	require.NoError(t, err)
	assert.Equal("https://idp.example/op", disc.server)
	assert.Equal("https://users.idp.example/alice", disc.localID)
	assert.True(disc.version2)
}

func TestDiscoveryLegacyFallback(t *testing.T) {
	assert := assert.New(t)
	client := NewClient(ClientArgs{})

	identityPage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
			<link rel="openid.server" href="https://legacy.example/op" />
			<link rel="openid.delegate" href="https://legacy.example/alice" />
		</head></html>`)
	}))
	defer identityPage.Close()

	disc, err := client.discover(ctx, identityPage.URL)
	require.NoError(t, err)
	assert.Equal("https://legacy.example/op", disc.server)
	assert.Equal("https://legacy.example/alice", disc.localID)
	assert.False(disc.version2)
}

func TestDiscoveryNoLinks(t *testing.T) {
	client := NewClient(ClientArgs{})

	identityPage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head></head><body>nothing here</body></html>`)
	}))
	defer identityPage.Close()

	_, err := client.discover(ctx, identityPage.URL)
	assert.Error(t, err)
}

func TestParseKeyValueForm(t *testing.T) {
	assert := assert.New(t)

	kv, err := parseKeyValueForm(bytes.NewReader([]byte("ns:http://specs.openid.net/auth/2.0\nassoc_handle:H1\nexpires_in:3600\n")))
	require.NoError(t, err)
	assert.Equal("H1", kv["assoc_handle"])
	assert.Equal("3600", kv["expires_in"])
	assert.Equal("http://specs.openid.net/auth/2.0", kv["ns"])

	_, err = parseKeyValueForm(bytes.NewReader([]byte("no separator here")))
	assert.Error(err)
}

// testProvider fakes an OpenID provider: associate requests get a canned
// association, check_authentication requests get the scripted is_valid.
type testProvider struct {
	secret         []byte
	handle         string
	checkAuthValid bool
	checkAuthCalls int
}

func (p *testProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		switch r.PostFormValue("openid.mode") {
		case "associate":
			fmt.Fprintf(w, "ns:%s\n", nsOpenID2)
			fmt.Fprintf(w, "assoc_handle:%s\n", p.handle)
			fmt.Fprintf(w, "assoc_type:HMAC-SHA256\n")
			fmt.Fprintf(w, "session_type:no-encryption\n")
			fmt.Fprintf(w, "expires_in:3600\n")
			fmt.Fprintf(w, "mac_key:%s\n", base64.StdEncoding.EncodeToString(p.secret))
		case "check_authentication":
			p.checkAuthCalls++
			fmt.Fprintf(w, "ns:%s\n", nsOpenID2)
			fmt.Fprintf(w, "is_valid:%t\n", p.checkAuthValid)
		default:
			http.Error(w, "unexpected mode", 400)
		}
	}
}

func newTestConsumer(t *testing.T, token string) *openid.Consumer {
	t.Helper()

	backend, err := openid.OpenBackend(filepath.Join(t.TempDir(), "protocol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return openid.NewConsumer(backend, token)
}

// sign computes the provider-side signature over the signed field list.
func sign(params url.Values, secret []byte) string {
	var buf bytes.Buffer
	for _, field := range strings.Split(params.Get("openid.signed"), ",") {
		buf.WriteString(field + ":" + params.Get("openid."+field) + "\n")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(buf.Bytes())
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func assertionParams(server, handle, returnTo string) url.Values {
	params := url.Values{
		"openid.ns":             {nsOpenID2},
		"openid.mode":           {"id_res"},
		"openid.op_endpoint":    {server},
		"openid.assoc_handle":   {handle},
		"openid.claimed_id":     {"http://alice.example/"},
		"openid.identity":       {"https://users.idp.example/alice"},
		"openid.return_to":      {returnTo},
		"openid.response_nonce": {"2026-08-28T00:00:00Zabcdef"},
		"openid.signed":         {"op_endpoint,return_to,response_nonce,assoc_handle,claimed_id,identity"},
	}
	return params
}

func TestCheckidSetupAndVerify(t *testing.T) {
	assert := assert.New(t)

	provider := &testProvider{secret: []byte("0123456789abcdef"), handle: "H1"}
	op := httptest.NewServer(provider.handler())
	defer op.Close()

	identityPage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><link rel="openid2.provider" href="%s" /></head></html>`, op.URL)
	}))
	defer identityPage.Close()

	client := NewClient(ClientArgs{})
	consumer := newTestConsumer(t, "T1")
	consumer.SetNormalizedID(identityPage.URL)

	redirect, err := client.CheckidSetup(ctx, consumer, identityPage.URL, "http://example.com/app/?openid.nonce=T1", "http://example.com/app/")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal("checkid_setup", u.Query().Get("openid.mode"))
	assert.Equal("H1", u.Query().Get("openid.assoc_handle"))
	assert.Equal("http://example.com/app/?openid.nonce=T1", u.Query().Get("openid.return_to"))
	assert.Equal("http://example.com/app/", u.Query().Get("openid.realm"))

	// the association was negotiated and stored during setup
	assoc, err := consumer.RetrieveAssociation(op.URL, "H1")
	require.NoError(t, err)
	assert.Equal(provider.secret, assoc.Secret)

	// a well-signed assertion verifies locally, without calling the provider
	params := assertionParams(op.URL, "H1", "http://example.com/app/?openid.nonce=T1")
	params.Set("openid.sreg.email", "alice@example.com")
	params.Set("openid.sig", sign(params, provider.secret))

	attrs, err := client.VerifyReturn(ctx, consumer, params)
	require.NoError(t, err)
	assert.Equal("alice@example.com", attrs["email"])
	assert.Zero(provider.checkAuthCalls)
}

func TestVerifyReturnRejectsTamperedSignature(t *testing.T) {
	provider := &testProvider{secret: []byte("0123456789abcdef"), handle: "H1"}
	op := httptest.NewServer(provider.handler())
	defer op.Close()

	client := NewClient(ClientArgs{})
	consumer := newTestConsumer(t, "T1")

	require.NoError(t, consumer.BeginQueueing())
	require.NoError(t, consumer.QueueEndpoint(op.URL, "http://alice.example/", "https://users.idp.example/alice"))
	_, err := consumer.StoreAssociation(op.URL, "H1", "HMAC-SHA256", provider.secret, time.Hour)
	require.NoError(t, err)

	params := assertionParams(op.URL, "H1", "http://example.com/app/")
	params.Set("openid.sig", sign(params, provider.secret))
	params.Set("openid.identity", "https://users.idp.example/mallory")

	_, err = client.VerifyReturn(ctx, consumer, params)
	assert.ErrorIs(t, err, openid.ErrVerificationFailed)
}

func TestVerifyReturnStatelessFallback(t *testing.T) {
	assert := assert.New(t)

	provider := &testProvider{secret: []byte("0123456789abcdef"), handle: "H1", checkAuthValid: true}
	op := httptest.NewServer(provider.handler())
	defer op.Close()

	client := NewClient(ClientArgs{})
	consumer := newTestConsumer(t, "T1")

	require.NoError(t, consumer.BeginQueueing())
	require.NoError(t, consumer.QueueEndpoint(op.URL, "http://alice.example/", "https://users.idp.example/alice"))

	// no stored association for this handle: the client must ask the
	// provider directly
	params := assertionParams(op.URL, "H-unknown", "http://example.com/app/")
	params.Set("openid.sig", "irrelevant")

	_, err := client.VerifyReturn(ctx, consumer, params)
	require.NoError(t, err)
	assert.Equal(1, provider.checkAuthCalls)

	provider.checkAuthValid = false

	_, err = client.VerifyReturn(ctx, consumer, params)
	assert.ErrorIs(err, openid.ErrVerificationFailed)
}

func TestVerifyReturnRequiresSignedIdentity(t *testing.T) {
	provider := &testProvider{secret: []byte("0123456789abcdef"), handle: "H1"}
	op := httptest.NewServer(provider.handler())
	defer op.Close()

	client := NewClient(ClientArgs{})
	consumer := newTestConsumer(t, "T1")

	require.NoError(t, consumer.BeginQueueing())
	require.NoError(t, consumer.QueueEndpoint(op.URL, "http://alice.example/", "https://users.idp.example/alice"))
	_, err := consumer.StoreAssociation(op.URL, "H1", "HMAC-SHA256", provider.secret, time.Hour)
	require.NoError(t, err)

	params := assertionParams(op.URL, "H1", "http://example.com/app/")
	params.Set("openid.signed", "op_endpoint,return_to,response_nonce,assoc_handle")
	params.Set("openid.sig", sign(params, provider.secret))

	_, err = client.VerifyReturn(ctx, consumer, params)
	assert.ErrorIs(t, err, openid.ErrVerificationFailed)
}

func TestVerifyReturnWithoutQueuedEndpoint(t *testing.T) {
	client := NewClient(ClientArgs{})
	consumer := newTestConsumer(t, "T1")

	params := assertionParams("https://idp.example/op", "H1", "http://example.com/app/")

	_, err := client.VerifyReturn(ctx, consumer, params)
	assert.ErrorIs(t, err, openid.ErrNoEndpointQueued)
}
