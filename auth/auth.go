// Package auth implements the request router at the top of the core. An Auth
// instance owns a session manager and a set of providers; its Handle method
// is the single entry point a host adapter calls for every request.
//
// Dispatch is an exact match on the URL path: the static logout and session
// pages, then each provider's login and callback routes. Requests matching
// nothing still pass through the session manager so token refresh piggy-backs
// on ordinary traffic.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/metrics"
	"github.com/aponia-io/aponia/session"
	"github.com/aponia-io/aponia/token"
)

// Construction errors. All of them are fatal — an Auth instance either
// builds completely or not at all.
var (
	// ErrMissingSession is returned when no session manager is configured.
	ErrMissingSession = errors.New("auth: session manager is required")

	// ErrDuplicateProvider is returned when two providers share an id.
	ErrDuplicateProvider = errors.New("auth: duplicate provider id")

	// ErrRouteConflict is returned when two providers claim the same route.
	ErrRouteConflict = errors.New("auth: conflicting provider route")
)

// Provider is the contract between the router and a provider engine. The
// oauth, oidc, credentials and email packages all implement it.
type Provider interface {
	// ID uniquely names the provider within an Auth instance.
	ID() string

	// Pages returns the provider's login and callback endpoints.
	Pages() aponia.ProviderPages

	// Configure shares the session manager's codec and cookie templates.
	// Called exactly once, during Auth construction.
	Configure(jwt token.Options, cookieOptions *cookies.Options)

	// Login starts the provider's flow.
	Login(ctx context.Context, req *aponia.Request) (*aponia.Response, error)

	// Callback completes the provider's flow.
	Callback(ctx context.Context, req *aponia.Request) (*aponia.Response, error)
}

// Pages holds the static routes and redirect targets of an Auth instance.
type Pages struct {
	// LoginRedirect is where successful logins land when the provider set no
	// redirect of its own. Default "/".
	LoginRedirect string

	// LogoutRedirect is where logouts land. Default "/".
	LogoutRedirect string

	// Logout is the logout route. Default "/auth/logout".
	Logout string

	// Session is the session introspection route. Default "/auth/session".
	Session string
}

func (p Pages) withDefaults() Pages {
	if p.LoginRedirect == "" {
		p.LoginRedirect = "/"
	}
	if p.LogoutRedirect == "" {
		p.LogoutRedirect = "/"
	}
	if p.Logout == "" {
		p.Logout = "/auth/logout"
	}
	if p.Session == "" {
		p.Session = "/auth/session"
	}
	return p
}

// Config configures an Auth instance. Session is required.
type Config struct {
	Providers []Provider
	Session   *session.Manager
	Pages     Pages
	Logger    *zap.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

// Auth routes auth traffic to its providers and the session manager. The
// route maps are built once here and are read-only afterwards, so Handle is
// safe for concurrent use.
type Auth struct {
	providers []Provider
	session   *session.Manager
	pages     Pages
	logger    *zap.Logger
	metrics   *metrics.Collector

	loginRoutes    map[string]Provider
	callbackRoutes map[string]Provider
}

// New validates the config, propagates the session manager's codec and
// cookie templates into every provider, and builds the route maps.
func New(cfg Config) (*Auth, error) {
	if cfg.Session == nil {
		return nil, ErrMissingSession
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Auth{
		providers:      cfg.Providers,
		session:        cfg.Session,
		pages:          cfg.Pages.withDefaults(),
		logger:         logger.Named("auth"),
		metrics:        cfg.Metrics,
		loginRoutes:    make(map[string]Provider, len(cfg.Providers)),
		callbackRoutes: make(map[string]Provider, len(cfg.Providers)),
	}

	seen := make(map[string]struct{}, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		id := provider.ID()
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateProvider, id)
		}
		seen[id] = struct{}{}

		provider.Configure(cfg.Session.JWT(), cfg.Session.CookieOptions())

		pages := provider.Pages()
		if _, ok := a.loginRoutes[pages.Login.Route]; ok {
			return nil, fmt.Errorf("%w: %q", ErrRouteConflict, pages.Login.Route)
		}
		if _, ok := a.callbackRoutes[pages.Callback.Route]; ok {
			return nil, fmt.Errorf("%w: %q", ErrRouteConflict, pages.Callback.Route)
		}
		a.loginRoutes[pages.Login.Route] = provider
		a.callbackRoutes[pages.Callback.Route] = provider
	}

	return a, nil
}

// Pages returns the instance's static routes.
func (a *Auth) Pages() Pages {
	return a.pages
}

// Session returns the session manager owned by this instance.
func (a *Auth) Session() *session.Manager {
	return a.session
}

// Owns reports whether the path belongs to this instance: the static pages
// or any provider route. Adapters use it to decide whether a response
// terminates the request or the host keeps handling it.
func (a *Auth) Owns(path string) bool {
	if path == a.pages.Logout || path == a.pages.Session {
		return true
	}
	if _, ok := a.loginRoutes[path]; ok {
		return true
	}
	_, ok := a.callbackRoutes[path]
	return ok
}

// Handle runs the core on one request. It never returns nil: failures from
// providers or user callbacks are packaged into the response's Error field,
// and session refresh cookies are merged into every successful response
// regardless of how the request was dispatched. An error response carries
// only the error.
func (a *Auth) Handle(ctx context.Context, req *aponia.Request) *aponia.Response {
	res, err := a.dispatch(ctx, req)
	if err != nil {
		a.metrics.FlowErrored()
		a.logger.Warn("auth flow failed",
			zap.String("path", req.URL.Path),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		return &aponia.Response{Error: err}
	}
	return res
}

func (a *Auth) dispatch(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	// Session refresh runs first, on every request, so rotated tokens reach
	// the client no matter which branch handles the path.
	refresh := a.session.HandleRequest(ctx, req)
	if len(refresh.Cookies) > 0 {
		a.metrics.SessionRefreshed()
	}

	res, err := a.route(ctx, req, refresh)
	if err != nil {
		return nil, err
	}

	res.Cookies = append(res.Cookies, refresh.Cookies...)
	return res, nil
}

func (a *Auth) route(ctx context.Context, req *aponia.Request, refresh *aponia.Response) (*aponia.Response, error) {
	path := req.URL.Path

	switch path {
	case a.pages.Session:
		user := a.session.UserFromRequest(ctx, req)
		return &aponia.Response{User: user, Body: user}, nil

	case a.pages.Logout:
		res, err := a.session.Logout(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Redirect == "" {
			res.Redirect = a.pages.LogoutRedirect
			res.Status = http.StatusFound
		}
		return res, nil
	}

	if provider, ok := a.loginRoutes[path]; ok && provider.Pages().Login.AllowsMethod(req.Method) {
		a.metrics.LoginStarted(provider.ID())
		res, err := provider.Login(ctx, req)
		if err != nil {
			return nil, err
		}
		a.rememberCallbackURL(req, res)
		a.finishFlow(res)
		return res, nil
	}

	if provider, ok := a.callbackRoutes[path]; ok && provider.Pages().Callback.AllowsMethod(req.Method) {
		res, err := provider.Callback(ctx, req)
		a.metrics.CallbackFinished(provider.ID(), err == nil)
		if err != nil {
			return nil, err
		}
		a.restoreCallbackURL(req, res)
		a.finishFlow(res)
		return res, nil
	}

	// Unrelated request: only the session manager's work is visible. A
	// method mismatch on a provider route lands here too — the host keeps
	// handling the request, no 405 is synthesized.
	return &aponia.Response{User: refresh.User}, nil
}

// finishFlow fills the default post-login redirect for flows that identified
// a user without saying where to go next.
func (a *Auth) finishFlow(res *aponia.Response) {
	if res.User != nil && res.Redirect == "" {
		res.Redirect = a.pages.LoginRedirect
		res.Status = http.StatusFound
	}
}

// rememberCallbackURL stores a caller-requested post-login destination
// (?callbackUrl=...) in the callback-url cookie so it survives the round trip
// through the identity provider.
func (a *Auth) rememberCallbackURL(req *aponia.Request, res *aponia.Response) {
	target := sanitizeCallbackURL(req, req.URL.Query().Get("callbackUrl"))
	if target == "" {
		return
	}

	opt := a.session.CookieOptions().CallbackURL
	res.Cookies = append(res.Cookies, aponia.Cookie{
		Name:    opt.Name,
		Value:   target,
		Options: opt.Attributes,
	})
}

// restoreCallbackURL redirects a completed login to the destination recorded
// at initiation, unless the provider already chose one, and consumes the
// cookie either way.
func (a *Auth) restoreCallbackURL(req *aponia.Request, res *aponia.Response) {
	opt := a.session.CookieOptions().CallbackURL
	raw, ok := req.Cookie(opt.Name)
	if !ok {
		return
	}

	if target := sanitizeCallbackURL(req, raw); target != "" && res.User != nil && res.Redirect == "" {
		res.Redirect = target
		res.Status = http.StatusFound
	}

	attrs := opt.Attributes
	attrs.MaxAge = -1
	res.Cookies = append(res.Cookies, aponia.Cookie{Name: opt.Name, Options: attrs})
}

// sanitizeCallbackURL accepts only same-site destinations: absolute paths or
// URLs on the request's own origin. Anything else is dropped so the cookie
// cannot become an open redirect.
func sanitizeCallbackURL(req *aponia.Request, value string) string {
	switch {
	case value == "":
		return ""
	case strings.HasPrefix(value, "//"):
		return ""
	case strings.HasPrefix(value, "/"):
		return value
	case value == req.Origin() || strings.HasPrefix(value, req.Origin()+"/"):
		return value
	default:
		return ""
	}
}
