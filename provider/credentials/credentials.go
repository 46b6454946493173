// Package credentials implements the first-party credentials provider. Both
// endpoints hand the internal request to a user-supplied callback, which owns
// parsing the submitted credentials (from the opaque original request) and
// producing the response — typically session cookies minted through
// session.Manager.SessionCookies.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/token"
)

// ErrInvalidConfig is returned by New for incomplete provider configs.
var ErrInvalidConfig = errors.New("credentials: invalid provider config")

// Config configures a credentials provider. OnAuth is required.
type Config struct {
	// ID defaults to "credentials".
	ID string

	// Pages overrides the default routes: POST /auth/login/credentials and
	// POST /auth/callback/credentials.
	Pages aponia.ProviderPages

	// OnAuth handles both login and callback requests.
	OnAuth func(ctx context.Context, req *aponia.Request) (*aponia.Response, error)
}

// Provider defers authentication to the configured callback.
type Provider struct {
	cfg   Config
	pages aponia.ProviderPages

	jwt           token.Options
	cookieOptions *cookies.Options
}

// New validates the config and returns a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.OnAuth == nil {
		return nil, fmt.Errorf("%w: onAuth is required", ErrInvalidConfig)
	}

	if cfg.ID == "" {
		cfg.ID = "credentials"
	}

	pages := cfg.Pages
	if pages.Login.Route == "" {
		pages = aponia.DefaultProviderPages(cfg.ID)
		// Credential submissions carry a body.
		pages.Login.Methods = []string{http.MethodPost}
		pages.Callback.Methods = []string{http.MethodPost}
	}

	return &Provider{cfg: cfg, pages: pages}, nil
}

// ID implements auth.Provider.
func (p *Provider) ID() string {
	return p.cfg.ID
}

// Pages implements auth.Provider.
func (p *Provider) Pages() aponia.ProviderPages {
	return p.pages
}

// Configure implements auth.Provider. The provider issues no cookies of its
// own; the shared options are retained only so user callbacks could reach
// them through a future accessor without re-plumbing.
func (p *Provider) Configure(jwt token.Options, cookieOptions *cookies.Options) {
	p.jwt = jwt
	p.cookieOptions = cookieOptions
}

// Login implements auth.Provider by deferring to OnAuth.
func (p *Provider) Login(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	return p.cfg.OnAuth(ctx, req)
}

// Callback implements auth.Provider by deferring to OnAuth.
func (p *Provider) Callback(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	return p.cfg.OnAuth(ctx, req)
}
