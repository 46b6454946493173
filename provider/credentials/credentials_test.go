package credentials_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/provider/credentials"
)

func newRequest(t *testing.T, rawURL string) *aponia.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &aponia.Request{URL: u, Method: "POST", Cookies: map[string]string{}}
}

func TestNewRequiresOnAuth(t *testing.T) {
	_, err := credentials.New(credentials.Config{})
	assert.ErrorIs(t, err, credentials.ErrInvalidConfig)
}

func TestDefaults(t *testing.T) {
	p, err := credentials.New(credentials.Config{
		OnAuth: func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
			return &aponia.Response{}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "credentials", p.ID())

	pages := p.Pages()
	assert.Equal(t, "/auth/login/credentials", pages.Login.Route)
	assert.Equal(t, "/auth/callback/credentials", pages.Callback.Route)
	assert.Equal(t, []string{"POST"}, pages.Login.Methods)
	assert.True(t, pages.Login.AllowsMethod("POST"))
	assert.False(t, pages.Login.AllowsMethod("GET"))
}

func TestLoginAndCallbackDeferToOnAuth(t *testing.T) {
	calls := 0
	p, err := credentials.New(credentials.Config{
		OnAuth: func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
			calls++
			return &aponia.Response{User: map[string]any{"id": "u"}}, nil
		},
	})
	require.NoError(t, err)

	res, err := p.Login(context.Background(), newRequest(t, "https://app.example/auth/login/credentials"))
	require.NoError(t, err)
	assert.NotNil(t, res.User)

	_, err = p.Callback(context.Background(), newRequest(t, "https://app.example/auth/callback/credentials"))
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}
