package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/auth"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/session"
	"github.com/aponia-io/aponia/token"
)

const testSecret = "a-sufficiently-long-test-secret"

// stubProvider lets router tests script provider behavior without a real
// OAuth flow.
type stubProvider struct {
	id         string
	pages      aponia.ProviderPages
	configured bool

	login    func(ctx context.Context, req *aponia.Request) (*aponia.Response, error)
	callback func(ctx context.Context, req *aponia.Request) (*aponia.Response, error)
}

func newStubProvider(id string) *stubProvider {
	return &stubProvider{id: id, pages: aponia.DefaultProviderPages(id)}
}

func (p *stubProvider) ID() string                  { return p.id }
func (p *stubProvider) Pages() aponia.ProviderPages { return p.pages }

func (p *stubProvider) Configure(jwt token.Options, cookieOptions *cookies.Options) {
	p.configured = true
}

func (p *stubProvider) Login(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	if p.login == nil {
		return &aponia.Response{}, nil
	}
	return p.login(ctx, req)
}

func (p *stubProvider) Callback(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	if p.callback == nil {
		return &aponia.Response{}, nil
	}
	return p.callback(ctx, req)
}

func newManager(t *testing.T, cfg session.Config) *session.Manager {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	m, err := session.NewManager(cfg)
	require.NoError(t, err)
	return m
}

func newAuth(t *testing.T, cfg auth.Config) *auth.Auth {
	t.Helper()
	if cfg.Session == nil {
		cfg.Session = newManager(t, session.Config{})
	}
	a, err := auth.New(cfg)
	require.NoError(t, err)
	return a
}

func newRequest(t *testing.T, method, rawURL string, cookieMap map[string]string) *aponia.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	if cookieMap == nil {
		cookieMap = map[string]string{}
	}
	return &aponia.Request{URL: u, Method: method, Cookies: cookieMap}
}

func encodeCookie(t *testing.T, claims map[string]any) string {
	t.Helper()
	raw, err := token.Encode(token.EncodeParams{Secret: testSecret, Claims: claims})
	require.NoError(t, err)
	return raw
}

func TestNewRequiresSession(t *testing.T) {
	_, err := auth.New(auth.Config{})
	assert.ErrorIs(t, err, auth.ErrMissingSession)
}

func TestNewRejectsDuplicateProviderID(t *testing.T) {
	_, err := auth.New(auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{newStubProvider("dup"), newStubProvider("dup")},
	})
	assert.ErrorIs(t, err, auth.ErrDuplicateProvider)
}

func TestNewRejectsRouteConflict(t *testing.T) {
	first := newStubProvider("first")
	second := newStubProvider("second")
	second.pages.Login.Route = first.pages.Login.Route

	_, err := auth.New(auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{first, second},
	})
	assert.ErrorIs(t, err, auth.ErrRouteConflict)
}

func TestNewConfiguresProviders(t *testing.T) {
	p := newStubProvider("github")
	newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})
	assert.True(t, p.configured)
}

func TestSessionIntrospectionAnonymous(t *testing.T) {
	a := newAuth(t, auth.Config{})

	res := a.Handle(context.Background(), newRequest(t, "GET", "https://app.example/auth/session", nil))
	require.NoError(t, res.Error)
	assert.Nil(t, res.Body)
	assert.Nil(t, res.User)
	assert.Empty(t, res.Cookies)
}

func TestSessionIntrospectionLoggedIn(t *testing.T) {
	a := newAuth(t, auth.Config{})
	opts := cookies.DefaultOptions(false)

	req := newRequest(t, "GET", "https://app.example/auth/session", map[string]string{
		opts.AccessToken.Name: encodeCookie(t, map[string]any{"id": 42}),
	})

	res := a.Handle(context.Background(), req)
	require.NoError(t, res.Error)

	body, ok := res.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), body["id"])
}

func TestLogoutWithActiveSession(t *testing.T) {
	a := newAuth(t, auth.Config{})
	opts := cookies.DefaultOptions(false)

	req := newRequest(t, "GET", "https://app.example/auth/logout", map[string]string{
		opts.AccessToken.Name:  encodeCookie(t, map[string]any{"id": 1}),
		opts.RefreshToken.Name: encodeCookie(t, map[string]any{"id": 1}),
	})

	res := a.Handle(context.Background(), req)
	require.NoError(t, res.Error)

	assert.Equal(t, http.StatusFound, res.Status)
	assert.Equal(t, "/", res.Redirect)

	require.Len(t, res.Cookies, 2)
	assert.Equal(t, opts.AccessToken.Name, res.Cookies[0].Name)
	assert.Equal(t, opts.RefreshToken.Name, res.Cookies[1].Name)
	for _, c := range res.Cookies {
		assert.Empty(t, c.Value)
		assert.Negative(t, c.Options.MaxAge)
	}
}

func TestRefreshOnUnrelatedPath(t *testing.T) {
	refreshedUser := map[string]any{"id": "user-1"}
	manager := newManager(t, session.Config{
		HandleRefresh: func(ctx context.Context, pair session.TokenPair) (*session.NewSession, error) {
			if pair.AccessToken != nil || pair.RefreshToken == nil {
				return nil, nil
			}
			return &session.NewSession{
				User:         refreshedUser,
				AccessToken:  refreshedUser,
				RefreshToken: refreshedUser,
			}, nil
		},
	})

	a := newAuth(t, auth.Config{Session: manager})
	opts := cookies.DefaultOptions(false)

	req := newRequest(t, "GET", "https://app.example/home", map[string]string{
		opts.RefreshToken.Name: encodeCookie(t, map[string]any{"id": "user-1"}),
	})

	res := a.Handle(context.Background(), req)
	require.NoError(t, res.Error)
	assert.Equal(t, refreshedUser, res.User)

	require.Len(t, res.Cookies, 2)
	assert.Equal(t, opts.AccessToken.Name, res.Cookies[0].Name)
	assert.Equal(t, opts.RefreshToken.Name, res.Cookies[1].Name)
	assert.Equal(t, 3600, res.Cookies[0].Options.MaxAge)
	assert.Equal(t, 604800, res.Cookies[1].Options.MaxAge)
}

func TestUnrelatedPathInvokesNoProvider(t *testing.T) {
	p := newStubProvider("github")
	p.login = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		t.Fatal("login must not run for unrelated paths")
		return nil, nil
	}
	p.callback = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		t.Fatal("callback must not run for unrelated paths")
		return nil, nil
	}

	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})

	res := a.Handle(context.Background(), newRequest(t, "GET", "https://app.example/anything/else", nil))
	require.NoError(t, res.Error)
	assert.Empty(t, res.Cookies)
}

func TestLoginDispatch(t *testing.T) {
	p := newStubProvider("github")
	p.login = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		return &aponia.Response{Status: http.StatusFound, Redirect: "https://github.example/authorize"}, nil
	}

	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})

	res := a.Handle(context.Background(), newRequest(t, "GET", "https://app.example/auth/login/github", nil))
	require.NoError(t, res.Error)
	assert.Equal(t, "https://github.example/authorize", res.Redirect)
}

func TestLoginWithUserGetsDefaultRedirect(t *testing.T) {
	p := newStubProvider("credentials")
	p.login = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		return &aponia.Response{User: map[string]any{"id": "u"}}, nil
	}

	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
		Pages:     auth.Pages{LoginRedirect: "/welcome"},
	})

	res := a.Handle(context.Background(), newRequest(t, "GET", "https://app.example/auth/login/credentials", nil))
	require.NoError(t, res.Error)
	assert.Equal(t, "/welcome", res.Redirect)
	assert.Equal(t, http.StatusFound, res.Status)
}

func TestMethodMismatchSkipsProvider(t *testing.T) {
	p := newStubProvider("credentials")
	p.pages.Login.Methods = []string{http.MethodPost}
	p.login = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		t.Fatal("login must not run for a mismatched method")
		return nil, nil
	}

	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})

	res := a.Handle(context.Background(), newRequest(t, "GET", "https://app.example/auth/login/credentials", nil))
	require.NoError(t, res.Error)
	assert.Empty(t, res.Redirect)
	assert.Nil(t, res.Body)
}

func TestProviderErrorIsPackaged(t *testing.T) {
	boom := errors.New("upstream exploded")
	p := newStubProvider("github")
	p.callback = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		return nil, boom
	}

	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})

	res := a.Handle(context.Background(), newRequest(t, "GET", "https://app.example/auth/callback/github", nil))
	require.Error(t, res.Error)
	assert.ErrorIs(t, res.Error, boom)
	assert.Nil(t, res.User)
	assert.Empty(t, res.Redirect)
}

func TestRefreshCookiesMergeIntoProviderResponse(t *testing.T) {
	refreshedUser := map[string]any{"id": "user-1"}
	manager := newManager(t, session.Config{
		HandleRefresh: func(ctx context.Context, pair session.TokenPair) (*session.NewSession, error) {
			if pair.RefreshToken == nil {
				return nil, nil
			}
			return &session.NewSession{User: refreshedUser, AccessToken: refreshedUser}, nil
		},
	})

	p := newStubProvider("github")
	p.login = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		return &aponia.Response{
			Status:   http.StatusFound,
			Redirect: "https://github.example/authorize",
			Cookies:  []aponia.Cookie{{Name: "aponia-auth.state", Value: "x"}},
		}, nil
	}

	a := newAuth(t, auth.Config{Session: manager, Providers: []auth.Provider{p}})
	opts := cookies.DefaultOptions(false)

	req := newRequest(t, "GET", "https://app.example/auth/login/github", map[string]string{
		opts.RefreshToken.Name: encodeCookie(t, map[string]any{"id": "user-1"}),
	})

	res := a.Handle(context.Background(), req)
	require.NoError(t, res.Error)

	// Provider cookies first, refresh cookies appended after.
	require.Len(t, res.Cookies, 2)
	assert.Equal(t, "aponia-auth.state", res.Cookies[0].Name)
	assert.Equal(t, opts.AccessToken.Name, res.Cookies[1].Name)
}

func TestCallbackURLRoundTrip(t *testing.T) {
	p := newStubProvider("github")
	p.login = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		return &aponia.Response{Status: http.StatusFound, Redirect: "https://github.example/authorize"}, nil
	}
	p.callback = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		return &aponia.Response{User: map[string]any{"id": "u"}}, nil
	}

	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})
	opts := cookies.DefaultOptions(false)

	// Initiation records the requested destination.
	login := a.Handle(context.Background(),
		newRequest(t, "GET", "https://app.example/auth/login/github?callbackUrl=/dashboard", nil))
	require.NoError(t, login.Error)
	require.Len(t, login.Cookies, 1)
	assert.Equal(t, opts.CallbackURL.Name, login.Cookies[0].Name)
	assert.Equal(t, "/dashboard", login.Cookies[0].Value)

	// Completion restores it and consumes the cookie.
	callback := a.Handle(context.Background(),
		newRequest(t, "GET", "https://app.example/auth/callback/github", map[string]string{
			opts.CallbackURL.Name: "/dashboard",
		}))
	require.NoError(t, callback.Error)
	assert.Equal(t, "/dashboard", callback.Redirect)

	require.Len(t, callback.Cookies, 1)
	assert.Equal(t, opts.CallbackURL.Name, callback.Cookies[0].Name)
	assert.Negative(t, callback.Cookies[0].Options.MaxAge)
}

func TestCallbackURLRejectsForeignOrigin(t *testing.T) {
	p := newStubProvider("github")
	p.login = func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
		return &aponia.Response{Status: http.StatusFound, Redirect: "https://github.example/authorize"}, nil
	}

	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})

	res := a.Handle(context.Background(),
		newRequest(t, "GET", "https://app.example/auth/login/github?callbackUrl=https://evil.example/", nil))
	require.NoError(t, res.Error)
	assert.Empty(t, res.Cookies)
}

func TestOwns(t *testing.T) {
	p := newStubProvider("github")
	a := newAuth(t, auth.Config{
		Session:   newManager(t, session.Config{}),
		Providers: []auth.Provider{p},
	})

	assert.True(t, a.Owns("/auth/session"))
	assert.True(t, a.Owns("/auth/logout"))
	assert.True(t, a.Owns("/auth/login/github"))
	assert.True(t, a.Owns("/auth/callback/github"))
	assert.False(t, a.Owns("/home"))
}

func TestPagesDefaults(t *testing.T) {
	a := newAuth(t, auth.Config{})
	pages := a.Pages()

	assert.Equal(t, "/", pages.LoginRedirect)
	assert.Equal(t, "/", pages.LogoutRedirect)
	assert.Equal(t, "/auth/logout", pages.Logout)
	assert.Equal(t, "/auth/session", pages.Session)
}
