package email_test

import (
	"context"
	"html/template"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/provider/email"
)

func newRequest(t *testing.T, rawURL string) *aponia.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &aponia.Request{URL: u, Method: "GET", Cookies: map[string]string{}}
}

func staticEmail(address string) func(context.Context, *aponia.Request) (string, error) {
	return func(ctx context.Context, req *aponia.Request) (string, error) {
		return address, nil
	}
}

func noopVerify(ctx context.Context, verificationToken, address string) (*aponia.Response, error) {
	return &aponia.Response{}, nil
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := email.New(email.Config{})
	assert.ErrorIs(t, err, email.ErrInvalidConfig)
}

func TestLoginDeliversVerification(t *testing.T) {
	var got *email.Verification

	p, err := email.New(email.Config{
		GetEmail: staticEmail("user@example.com"),
		OnAuth: func(ctx context.Context, v *email.Verification) (*aponia.Response, error) {
			got = v
			return &aponia.Response{Body: "sent"}, nil
		},
		OnVerify: noopVerify,
	})
	require.NoError(t, err)

	res, err := p.Login(context.Background(), newRequest(t, "https://app.example/auth/login/email"))
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Body)

	require.NotNil(t, got)
	assert.Equal(t, "user@example.com", got.Email)
	assert.Equal(t, "email", got.ProviderID)

	// 32 bytes of entropy, hex encoded.
	assert.Len(t, got.Token, 64)

	parsed, err := url.Parse(got.URL)
	require.NoError(t, err)
	assert.Equal(t, "https", parsed.Scheme)
	assert.Equal(t, "app.example", parsed.Host)
	assert.Equal(t, "/auth/callback/email", parsed.Path)
	assert.Equal(t, got.Token, parsed.Query().Get("token"))
	assert.Equal(t, "user@example.com", parsed.Query().Get("email"))

	// The link sits in an href attribute, so the HTML carries it
	// attribute-escaped ("&" becomes "&amp;").
	assert.True(t, strings.Contains(got.HTML, template.HTMLEscapeString(got.URL)))
}

func TestLoginWithoutEmailIsNoop(t *testing.T) {
	p, err := email.New(email.Config{
		GetEmail: staticEmail(""),
		OnAuth: func(ctx context.Context, v *email.Verification) (*aponia.Response, error) {
			t.Fatal("OnAuth must not run without an address")
			return nil, nil
		},
		OnVerify: noopVerify,
	})
	require.NoError(t, err)

	res, err := p.Login(context.Background(), newRequest(t, "https://app.example/auth/login/email"))
	require.NoError(t, err)
	assert.Equal(t, &aponia.Response{}, res)
}

func TestVerificationHTMLIsDeterministic(t *testing.T) {
	render := func() (string, string) {
		var html, link string
		p, err := email.New(email.Config{
			GetEmail: staticEmail("user@example.com"),
			OnAuth: func(ctx context.Context, v *email.Verification) (*aponia.Response, error) {
				html, link = v.HTML, v.URL
				return nil, nil
			},
			OnVerify: noopVerify,
		})
		require.NoError(t, err)
		_, err = p.Login(context.Background(), newRequest(t, "https://app.example/auth/login/email"))
		require.NoError(t, err)
		return html, link
	}

	firstHTML, firstLink := render()
	secondHTML, secondLink := render()

	// Tokens differ per login, so the only divergence is the link itself.
	assert.NotEqual(t, firstLink, secondLink)
	assert.Equal(t,
		strings.ReplaceAll(firstHTML, template.HTMLEscapeString(firstLink), "{URL}"),
		strings.ReplaceAll(secondHTML, template.HTMLEscapeString(secondLink), "{URL}"),
	)
}

func TestCallbackHandsTokenToOnVerify(t *testing.T) {
	var gotToken, gotEmail string

	p, err := email.New(email.Config{
		GetEmail: staticEmail("user@example.com"),
		OnAuth: func(ctx context.Context, v *email.Verification) (*aponia.Response, error) {
			return nil, nil
		},
		OnVerify: func(ctx context.Context, verificationToken, address string) (*aponia.Response, error) {
			gotToken, gotEmail = verificationToken, address
			return &aponia.Response{Redirect: "/", Status: 302}, nil
		},
	})
	require.NoError(t, err)

	res, err := p.Callback(context.Background(),
		newRequest(t, "https://app.example/auth/callback/email?token=tok-1&email=user%40example.com"))
	require.NoError(t, err)

	assert.Equal(t, "tok-1", gotToken)
	assert.Equal(t, "user@example.com", gotEmail)
	assert.Equal(t, "/", res.Redirect)
}
