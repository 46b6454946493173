package checks

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/token"
)

const testSecret = "a-sufficiently-long-test-secret"

func testParams(enabled bool, cookie cookies.Option) Params {
	return Params{
		Enabled: enabled,
		JWT:     token.Options{Secret: testSecret},
		Cookie:  cookie,
	}
}

func requestWithCookie(t *testing.T, c aponia.Cookie) *aponia.Request {
	t.Helper()
	u, err := url.Parse("https://app.example/auth/callback/test")
	require.NoError(t, err)
	return &aponia.Request{
		URL:     u,
		Method:  "GET",
		Cookies: map[string]string{c.Name: c.Value},
	}
}

func TestStateRoundTrip(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(true, opts.State)

	value, cookie, err := CreateState(params)
	require.NoError(t, err)
	require.NotEmpty(t, value)
	assert.Equal(t, opts.State.Name, cookie.Name)
	assert.Equal(t, 900, cookie.Options.MaxAge)
	assert.False(t, cookie.Options.Expires.IsZero())

	got, deletion, err := UseState(requestWithCookie(t, cookie), params)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	require.NotNil(t, deletion)
	assert.Equal(t, opts.State.Name, deletion.Name)
	assert.Empty(t, deletion.Value)
	assert.Negative(t, deletion.Options.MaxAge)
}

func TestNonceRoundTrip(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(true, opts.Nonce)

	value, cookie, err := CreateNonce(params)
	require.NoError(t, err)

	got, deletion, err := UseNonce(requestWithCookie(t, cookie), params)
	require.NoError(t, err)
	assert.Equal(t, value, got)
	require.NotNil(t, deletion)
	assert.Negative(t, deletion.Options.MaxAge)
}

func TestPKCERoundTrip(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(true, opts.PKCECodeVerifier)

	challenge, cookie, err := CreatePKCE(params)
	require.NoError(t, err)
	require.NotEmpty(t, challenge)

	verifier, deletion, err := UsePKCE(requestWithCookie(t, cookie), params)
	require.NoError(t, err)
	require.NotNil(t, deletion)

	// The cookie holds the verifier; the returned create value is its S256
	// challenge.
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), challenge)
}

func TestUseSkipsDisabledCheck(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(false, opts.State)

	req := &aponia.Request{Cookies: map[string]string{}}
	value, deletion, err := UseState(req, params)
	require.NoError(t, err)
	assert.Equal(t, Skip, value)
	assert.Nil(t, deletion)
}

func TestUseMissingCookie(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(true, opts.State)

	req := &aponia.Request{Cookies: map[string]string{}}
	_, _, err := UseState(req, params)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCookieMissing)
	assert.Equal(t, "state cookie was missing", err.Error())
}

func TestUseUnparsableCookie(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(true, opts.PKCECodeVerifier)

	req := &aponia.Request{Cookies: map[string]string{
		opts.PKCECodeVerifier.Name: "not-an-encrypted-cookie",
	}}
	_, _, err := UsePKCE(req, params)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValueUnparsable)
	assert.Equal(t, "pkce value could not be parsed", err.Error())
}

func TestUseRejectsForeignPayload(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(true, opts.Nonce)

	// Decryptable, but carries no value claim.
	raw, err := token.Encode(token.EncodeParams{
		Secret: testSecret,
		Claims: map[string]any{"other": "thing"},
	})
	require.NoError(t, err)

	req := &aponia.Request{Cookies: map[string]string{opts.Nonce.Name: raw}}
	_, _, err = UseNonce(req, params)
	assert.ErrorIs(t, err, ErrValueUnparsable)
}

func TestValuesAreFreshPerCreate(t *testing.T) {
	opts := cookies.DefaultOptions(false)
	params := testParams(true, opts.State)

	first, _, err := CreateState(params)
	require.NoError(t, err)
	second, _, err := CreateState(params)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}
