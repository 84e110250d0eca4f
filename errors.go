package openid

import "errors"

// Sentinel errors for everything a handshake can surface. A store-level
// ErrNotFound is recovered locally wherever it just means "no prior state",
// such as a session lookup miss or an association miss before re-association.
var (
	ErrNotFound           = errors.New("openid: record not found")
	ErrInvalidIdentifier  = errors.New("openid: identifier is not a valid url")
	ErrNoProviderFound    = errors.New("openid: no provider endpoint discovered")
	ErrProviderNotTrusted = errors.New("openid: provider is not trusted")
	ErrInvalidNonce       = errors.New("openid: nonce is missing, expired, or already used")
	ErrVerificationFailed = errors.New("openid: assertion verification failed")
	ErrNoEndpointQueued   = errors.New("openid: no endpoint queued")
	ErrBackendUnavailable = errors.New("openid: storage backend unavailable")
)

// CodeCanceled annotates the login prompt after the user cancels at the
// provider. It is not an error condition.
const CodeCanceled = "canceled"

// ErrorCode maps an error to the short code carried on the login prompt.
// Provider-internal error text never reaches the user; these codes are the
// whole user-visible vocabulary.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid-identifier"
	case errors.Is(err, ErrNoProviderFound):
		return "no-provider-found"
	case errors.Is(err, ErrProviderNotTrusted):
		return "provider-not-trusted"
	case errors.Is(err, ErrInvalidNonce):
		return "invalid-nonce"
	case errors.Is(err, ErrVerificationFailed):
		return "verification-failed"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend-unavailable"
	default:
		return "unspecified"
	}
}
