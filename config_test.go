package openid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrustsProviderEmptyListTrustsAll(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.TrustsProvider("https://anyone.example/op?openid.mode=checkid_setup"))
}

func TestTrustsProviderAllowList(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.Trusted = []string{`^https://idp\.example/`}

	assert.True(cfg.TrustsProvider("https://idp.example/op?x=1"))
	assert.False(cfg.TrustsProvider("https://other.example/op"))
}

func TestTrustsProviderDenyWins(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.Trusted = []string{`^https://idp\.example/`}
	cfg.Distrusted = []string{`^https://idp\.example/op$`}

	// on both lists: the deny match decides
	assert.False(cfg.TrustsProvider("https://idp.example/op"))
	assert.True(cfg.TrustsProvider("https://idp.example/other"))
}

func TestTrustsProviderMatchesQuerylessBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Distrusted = []string{`evil`}

	// the deny pattern must not be dodged by hiding the match in the query
	assert.True(t, cfg.TrustsProvider("https://idp.example/op?next=evil"))
	assert.False(t, cfg.TrustsProvider("https://evil.example/op"))
}

func TestTrustsProviderSkipsBadPatterns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trusted = []string{`(unclosed`, `^https://idp\.example/`}

	assert.True(t, cfg.TrustsProvider("https://idp.example/op"))
}
