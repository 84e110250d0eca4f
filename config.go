package openid

import (
	"log/slog"
	"regexp"
	"time"
)

// Config carries the per-deployment knobs, mirroring the directive set of
// the Apache module this replaces.
type Config struct {
	// DBLocation is the path of the shared SQLite file.
	DBLocation string

	// CookieName names the session cookie handed to the browser.
	CookieName string

	// CookieLifespan is how long a minted session lives. Zero means a
	// browser-session cookie.
	CookieLifespan time.Duration

	// UseCookie enables cookie-based sessions. When false a verified
	// identity is bound to the current request only, for deployments that
	// manage sessions somewhere else.
	UseCookie bool

	// Trusted holds regex patterns for provider base URLs. Empty means
	// every provider is trusted.
	Trusted []string

	// Distrusted holds regex patterns for providers to refuse. A match
	// here wins over any Trusted match.
	Distrusted []string

	// TrustRoot is the realm presented to providers. Defaults to the base
	// directory of the return-to URL.
	TrustRoot string

	// ServerName, when set, replaces scheme://host:port when request URLs
	// are rebuilt, for deployments behind a proxy.
	ServerName string

	// LoginPage, when set, receives prompt redirects instead of the
	// built-in form.
	LoginPage string
}

// DefaultConfig mirrors the defaults of the original per-directory config.
func DefaultConfig() *Config {
	return &Config{
		DBLocation: "/tmp/mod_auth_openid.db",
		CookieName: "open_id_session_id",
		UseCookie:  true,
	}
}

// TrustsProvider applies the allow/deny lists to a provider redirect target.
// Matching is done against the queryless base of the URL, never against the
// user-supplied identifier.
func (c *Config) TrustsProvider(redirectURL string) bool {
	base := querylessURL(redirectURL)

	if matchesAny(base, c.Distrusted) {
		slog.Debug("provider is distrusted", "url", base)
		return false
	}

	if len(c.Trusted) == 0 {
		return true
	}

	if matchesAny(base, c.Trusted) {
		return true
	}

	slog.Debug("provider is not on the trusted list", "url", base)
	return false
}

func matchesAny(s string, patterns []string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("skipping unparseable provider pattern", "pattern", pattern, "err", err)
			continue
		}
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
