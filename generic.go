package openid

import (
	"net/url"
	"strings"
)

// baseDir returns the directory portion of a path or URL, keeping the
// trailing slash. Sessions are scoped to the directory they were minted
// under.
func baseDir(path string) string {
	if path == "" {
		return "/"
	}

	if q := strings.Index(path, "?"); q >= 0 {
		path = path[:q]
	}

	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "/"
	}

	return path[:i+1]
}

// querylessURL strips query, fragment, and userinfo, leaving the base URL
// that trust patterns match against.
func querylessURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil

	return u.String()
}

// stripOpenIDParams drops every protocol parameter while keeping
// caller-supplied ones, so the user lands back on the resource with the
// query string they started with.
func stripOpenIDParams(params url.Values) url.Values {
	out := url.Values{}
	for key, values := range params {
		if strings.HasPrefix(key, "openid.") || strings.HasPrefix(key, "modauthopenid.") {
			continue
		}
		for _, value := range values {
			out.Add(key, value)
		}
	}
	return out
}
