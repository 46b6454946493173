package cookies

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptionsInsecure(t *testing.T) {
	opts := DefaultOptions(false)

	assert.Equal(t, "aponia-auth.session-token", opts.SessionToken.Name)
	assert.Equal(t, "aponia-auth.access-token", opts.AccessToken.Name)
	assert.Equal(t, "aponia-auth.refresh-token", opts.RefreshToken.Name)
	assert.Equal(t, "aponia-auth.callback-url", opts.CallbackURL.Name)
	assert.Equal(t, "aponia-auth.csrf-token", opts.CSRFToken.Name)
	assert.Equal(t, "aponia-auth.pkce.code_verifier", opts.PKCECodeVerifier.Name)
	assert.Equal(t, "aponia-auth.state", opts.State.Name)
	assert.Equal(t, "aponia-auth.nonce", opts.Nonce.Name)

	assert.False(t, opts.AccessToken.Attributes.Secure)
}

func TestDefaultOptionsSecurePrefixes(t *testing.T) {
	opts := DefaultOptions(true)

	assert.Equal(t, "__Secure-aponia-auth.access-token", opts.AccessToken.Name)
	assert.Equal(t, "__Secure-aponia-auth.refresh-token", opts.RefreshToken.Name)
	assert.Equal(t, "__Secure-aponia-auth.state", opts.State.Name)

	// The CSRF token uses the stricter host prefix.
	assert.Equal(t, "__Host-aponia-auth.csrf-token", opts.CSRFToken.Name)

	assert.True(t, opts.AccessToken.Attributes.Secure)
}

func TestDefaultAttributes(t *testing.T) {
	opts := DefaultOptions(false)

	for _, o := range []Option{
		opts.SessionToken, opts.AccessToken, opts.RefreshToken,
		opts.CallbackURL, opts.CSRFToken,
		opts.PKCECodeVerifier, opts.State, opts.Nonce,
	} {
		assert.Equal(t, "/", o.Attributes.Path, o.Name)
		assert.True(t, o.Attributes.HTTPOnly, o.Name)
		assert.Equal(t, "lax", o.Attributes.SameSite, o.Name)
	}
}

func TestShortLivedMaxAge(t *testing.T) {
	opts := DefaultOptions(false)

	assert.Equal(t, 900, opts.PKCECodeVerifier.Attributes.MaxAge)
	assert.Equal(t, 900, opts.State.Attributes.MaxAge)
	assert.Equal(t, 900, opts.Nonce.Attributes.MaxAge)

	// Long-lived roles carry no template max age; the session manager sets
	// one per token when the cookie is built.
	assert.Zero(t, opts.AccessToken.Attributes.MaxAge)
	assert.Zero(t, opts.RefreshToken.Attributes.MaxAge)
}
