package openid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is the slice of an inbound HTTP request the handshake needs. The
// web glue owns the actual request/response I/O.
type Request struct {
	Hostname  string
	Port      int
	TLS       bool
	Path      string
	Params    url.Values
	SessionID string // value of the session cookie, empty when absent
}

type OutcomeKind int

const (
	// OutcomeAllowed means an authenticated identity is bound to the
	// request; the resource's own access control takes it from here.
	OutcomeAllowed OutcomeKind = iota

	// OutcomeRedirect sends the user agent somewhere: to the provider when
	// a login starts, or back to the resource once a session is minted.
	OutcomeRedirect

	// OutcomePrompt renders the login form, annotated with ErrorCode when
	// something went wrong.
	OutcomePrompt
)

// Outcome is the single effect the web glue must apply for a request.
type Outcome struct {
	Kind        OutcomeKind
	Identity    string
	Attributes  map[string]string
	RedirectURL string
	Cookie      *SessionCookie
	ErrorCode   string
}

// SessionCookie describes the cookie to set alongside the post-verification
// redirect.
type SessionCookie struct {
	Name     string
	Value    string
	Path     string
	Lifespan time.Duration
}

// Handshake drives one login attempt per inbound request. It holds no
// mutable state of its own; everything persistent lives behind per-request
// Backends opened and closed inside Handle.
type Handshake struct {
	Config *Config
	Party  RelyingParty
}

func NewHandshake(cfg *Config, party RelyingParty) *Handshake {
	return &Handshake{Config: cfg, Party: party}
}

// Handle runs the state machine for one request.
//
// A scoped, unexpired session short-circuits everything. Otherwise the
// request parameters decide: an association handle means the provider sent
// the user back (even when an identifier is also present), a bare identifier
// starts a login, and anything else renders the prompt.
func (h *Handshake) Handle(ctx context.Context, req *Request) (*Outcome, error) {
	if h.Config.UseCookie && req.SessionID != "" {
		if outcome, ok := h.resumeSession(req); ok {
			return outcome, nil
		}
	}

	switch {
	case req.Params.Get("openid.assoc_handle") != "":
		return h.verifyReturn(ctx, req)
	case req.Params.Get("openid.identity") != "":
		return h.initiateLogin(ctx, req)
	case req.Params.Get("openid.mode") == "cancel":
		return &Outcome{Kind: OutcomePrompt, ErrorCode: CodeCanceled}, nil
	default:
		return &Outcome{Kind: OutcomePrompt}, nil
	}
}

// resumeSession checks the session cookie against the store. Any trouble
// here, storage included, degrades to "not logged in".
func (h *Handshake) resumeSession(req *Request) (*Outcome, bool) {
	backend, err := OpenBackend(h.Config.DBLocation)
	if err != nil {
		slog.Warn("could not open backend for session check", "err", err)
		return nil, false
	}
	defer backend.Close()

	sess, err := SessionStore{Backend: backend}.Get(req.SessionID)
	if err != nil {
		slog.Warn("could not read session", "err", err)
		return nil, false
	}

	if sess.Identity == "" {
		return nil, false
	}

	if sess.Hostname != req.Hostname || !strings.HasPrefix(req.Path, sess.Path) {
		slog.Debug("session found for different path or hostname", "session_id", req.SessionID)
		return nil, false
	}

	slog.Debug("resuming session", "identity", sess.Identity)
	return &Outcome{Kind: OutcomeAllowed, Identity: sess.Identity, Attributes: sess.Attributes}, true
}

func (h *Handshake) initiateLogin(ctx context.Context, req *Request) (*Outcome, error) {
	identity, err := h.Party.Normalize(req.Params.Get("openid.identity"))
	if err != nil {
		return h.prompt(ErrInvalidIdentifier), nil
	}

	backend, err := OpenBackend(h.Config.DBLocation)
	if err != nil {
		return h.prompt(err), nil
	}
	defer backend.Close()

	token, err := (NonceStore{Backend: backend}).Issue(identity)
	if err != nil {
		return h.prompt(err), nil
	}

	// the token rides the return-to URL so the provider hands it back
	carried := stripOpenIDParams(req.Params)
	carried.Set("openid.nonce", token)
	returnTo := h.requestURI(req, carried)

	trustRoot := h.Config.TrustRoot
	if trustRoot == "" {
		trustRoot = baseDir(returnTo)
	}

	consumer := NewConsumer(backend, token)
	consumer.SetNormalizedID(identity)

	redirect, err := h.Party.CheckidSetup(ctx, consumer, identity, returnTo, trustRoot)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return h.prompt(err), nil
		}
		slog.Debug("could not fetch provider location", "identity", identity, "err", err)
		return h.prompt(ErrNoProviderFound), nil
	}

	if !h.Config.TrustsProvider(redirect) {
		return h.prompt(ErrProviderNotTrusted), nil
	}

	return &Outcome{Kind: OutcomeRedirect, RedirectURL: redirect}, nil
}

func (h *Handshake) verifyReturn(ctx context.Context, req *Request) (*Outcome, error) {
	token := req.Params.Get("openid.nonce")
	if token == "" {
		return h.prompt(ErrInvalidNonce), nil
	}

	backend, err := OpenBackend(h.Config.DBLocation)
	if err != nil {
		return h.prompt(err), nil
	}
	defer backend.Close()

	consumer := NewConsumer(backend, token)

	attrs, err := h.Party.VerifyReturn(ctx, consumer, req.Params)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return h.prompt(err), nil
		}
		slog.Debug("error in authentication", "err", err)
		return h.prompt(ErrVerificationFailed), nil
	}

	// a replayed token fails here: the first return consumed it
	nonces := NonceStore{Backend: backend}

	valid, err := nonces.IsValid(token)
	if err != nil {
		return h.prompt(err), nil
	}
	if !valid {
		return h.prompt(ErrInvalidNonce), nil
	}

	// the nonce record, not the provider's claimed_id, says what was asked for
	identity, err := nonces.Identity(token)
	if err != nil {
		return h.prompt(ErrInvalidNonce), nil
	}

	if err := nonces.Consume(token); err != nil {
		return h.prompt(err), nil
	}

	return h.establishSession(backend, req, identity, attrs)
}

func (h *Handshake) establishSession(backend *Backend, req *Request, identity string, attrs map[string]string) (*Outcome, error) {
	if !h.Config.UseCookie {
		slog.Debug("binding identity without a session", "identity", identity)
		return &Outcome{Kind: OutcomeAllowed, Identity: identity, Attributes: attrs}, nil
	}

	sessionID := uuid.NewString()
	path := baseDir(req.Path)

	store := SessionStore{Backend: backend}
	if err := store.Store(sessionID, req.Hostname, path, identity, attrs, h.Config.CookieLifespan); err != nil {
		return h.prompt(err), nil
	}

	slog.Debug("session established", "identity", identity, "path", path)

	return &Outcome{
		Kind:        OutcomeRedirect,
		RedirectURL: h.requestURI(req, stripOpenIDParams(req.Params)),
		Cookie: &SessionCookie{
			Name:     h.Config.CookieName,
			Value:    sessionID,
			Path:     path,
			Lifespan: h.Config.CookieLifespan,
		},
	}, nil
}

// requestURI rebuilds the full URL of the current request with params as its
// query string, honoring a configured ServerName.
func (h *Handshake) requestURI(req *Request, params url.Values) string {
	var b strings.Builder

	if h.Config.ServerName != "" {
		b.WriteString(h.Config.ServerName)
	} else {
		scheme := "http"
		if req.TLS {
			scheme = "https"
		}
		b.WriteString(scheme)
		b.WriteString("://")
		b.WriteString(req.Hostname)
		if req.Port != 0 && req.Port != 80 && req.Port != 443 {
			fmt.Fprintf(&b, ":%d", req.Port)
		}
	}

	b.WriteString(req.Path)

	if len(params) > 0 {
		b.WriteString("?")
		b.WriteString(params.Encode())
	}

	return b.String()
}

func (h *Handshake) prompt(err error) *Outcome {
	return &Outcome{Kind: OutcomePrompt, ErrorCode: ErrorCode(err)}
}
