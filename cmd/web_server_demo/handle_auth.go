package main

import (
	"fmt"
	"html"
	"net"
	"net/url"
	"strconv"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	openid "github.com/modauth/openid-consumer-golang"
)

const sessionKey = "openid_sid"

func (s *Server) handleProtected(e echo.Context) error {
	sess, err := session.Get(s.cfg.CookieName, e)
	if err != nil {
		return err
	}

	sid, _ := sess.Values[sessionKey].(string)

	hostname, port := splitHostPort(e.Request().Host)

	req := &openid.Request{
		Hostname:  hostname,
		Port:      port,
		TLS:       e.Request().TLS != nil,
		Path:      e.Request().URL.Path,
		Params:    e.Request().URL.Query(),
		SessionID: sid,
	}

	outcome, err := s.handshake.Handle(e.Request().Context(), req)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case openid.OutcomeAllowed:
		return s.renderProtected(e, outcome)

	case openid.OutcomeRedirect:
		if outcome.Cookie != nil {
			sess.Options = &sessions.Options{
				Path:     outcome.Cookie.Path,
				MaxAge:   int(outcome.Cookie.Lifespan.Seconds()),
				HttpOnly: true,
			}

			// make sure the session is empty
			sess.Values = map[interface{}]interface{}{}
			sess.Values[sessionKey] = outcome.Cookie.Value

			if err := sess.Save(e.Request(), e.Response()); err != nil {
				return err
			}
		}
		return e.Redirect(302, outcome.RedirectURL)

	default:
		return s.renderLogin(e, outcome.ErrorCode)
	}
}

func (s *Server) renderProtected(e echo.Context, outcome *openid.Outcome) error {
	page := fmt.Sprintf(
		"<html><body><p>logged in as %s</p></body></html>",
		html.EscapeString(outcome.Identity),
	)
	return e.HTML(200, page)
}

// renderLogin shows the built-in identifier form, or redirects to the
// configured login page carrying the error code and the referring URL.
func (s *Server) renderLogin(e echo.Context, code string) error {
	if s.cfg.LoginPage != "" {
		params := url.Values{}
		if code != "" {
			params.Set("modauthopenid.error", code)
		}
		params.Set("modauthopenid.referrer", e.Request().URL.String())
		return e.Redirect(302, s.cfg.LoginPage+"?"+params.Encode())
	}

	notice := ""
	if code != "" {
		notice = fmt.Sprintf("<p>login failed: %s</p>", html.EscapeString(code))
	}

	page := fmt.Sprintf(
		`<html><body>%s<form method="GET"><input type="text" name="openid.identity" placeholder="your identity url" /><input type="submit" value="log in" /></form></body></html>`,
		notice,
	)

	return e.HTML(200, page)
}

func splitHostPort(host string) (string, int) {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return host, 0
	}

	port, err := strconv.Atoi(p)
	if err != nil {
		return h, 0
	}

	return h, port
}
