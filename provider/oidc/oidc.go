// Package oidc implements the OpenID Connect engine: lazy discovery of the
// authorization server, the authorization-code flow with PKCE, and ID-token
// validation in place of a userinfo call. The flow logic mirrors the oauth
// package but is kept independent — sharing a base type would couple two
// engines that evolve separately.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/checks"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/token"
)

const defaultTimeout = 15 * time.Second

// defaultScopes are appended at login time when the authorization params do
// not already carry a scope.
const defaultScopes = "openid profile email"

// codeChallengeMethodS256 is the only challenge method the engine emits.
const codeChallengeMethodS256 = "S256"

// Sentinel errors. Configuration problems surface from New and Initialize; the
// rest surface from Callback through the router.
var (
	// ErrInvalidConfig is returned by New for incomplete provider configs.
	ErrInvalidConfig = errors.New("oidc: invalid provider config")

	// ErrNoAuthorizationEndpoint is returned when discovery succeeds but the
	// server advertises no authorization endpoint.
	ErrNoAuthorizationEndpoint = errors.New("oidc: discovered server has no authorization endpoint")

	// ErrMissingCode is returned when the callback carries no authorization code.
	ErrMissingCode = errors.New("oidc: authorization code missing from callback")

	// ErrStateMismatch is returned when the echoed state parameter does not
	// match the value sealed in the state cookie.
	ErrStateMismatch = errors.New("oidc: state parameter does not match state cookie")

	// ErrMissingIDToken is returned when the token response has no id_token.
	ErrMissingIDToken = errors.New("oidc: token response missing id_token")

	// ErrNonceMismatch is returned when the ID token's nonce claim does not
	// match the value sealed in the nonce cookie.
	ErrNonceMismatch = errors.New("oidc: id token nonce does not match nonce cookie")

	// ErrMissingProfile is returned when the validated ID token carries no claims.
	ErrMissingProfile = errors.New("oidc: id token carried an empty profile")
)

// AuthorizationServer is the discovered metadata of the issuer, cached on the
// provider after the first fetch.
type AuthorizationServer struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// SupportsS256 reports whether the server advertises the S256 code challenge
// method.
func (s *AuthorizationServer) SupportsS256() bool {
	for _, m := range s.CodeChallengeMethodsSupported {
		if m == codeChallengeMethodS256 {
			return true
		}
	}
	return false
}

// Config configures an OIDC provider.
type Config struct {
	// ID uniquely names the provider within an Auth instance.
	ID string

	// Issuer is the base URL discovery is performed against.
	Issuer string

	ClientID     string
	ClientSecret string

	// Scopes overrides the default "openid profile email" scope set.
	Scopes []string

	// AuthorizationParams are copied onto the authorization URL.
	AuthorizationParams map[string]string

	// Checks is the anti-forgery check set. Default: {pkce}. When pkce is
	// configured and the discovered server does not support S256, the whole
	// set is replaced with {nonce} during initialization.
	Checks []string

	// Pages overrides the default routes. Zero value means defaults.
	Pages aponia.ProviderPages

	// OnAuth maps the validated ID-token claims to a response. Returning
	// nil, nil falls back to a redirect to the callback page's redirect
	// target.
	OnAuth func(ctx context.Context, profile map[string]any, idToken *gooidc.IDToken) (*aponia.Response, error)

	// HTTPClient overrides the outbound HTTP client used for discovery,
	// token exchange and JWKS fetches.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Provider executes the OIDC authorization-code flow for one relying party.
type Provider struct {
	cfg   Config
	pages aponia.ProviderPages

	jwt           token.Options
	cookieOptions *cookies.Options

	client *http.Client
	logger *zap.Logger

	// mu guards the lazily discovered state below. Discovery is a pure
	// function of the issuer, so concurrent initializers converge on the
	// same data; the mutex only prevents duplicate fetches.
	mu       sync.Mutex
	server   *AuthorizationServer
	relying  *gooidc.Provider
	checkSet []string
}

// New validates the config and returns a Provider. Discovery is deferred to
// the first login or callback; call Initialize to perform it eagerly.
func New(cfg Config) (*Provider, error) {
	switch {
	case cfg.ID == "":
		return nil, fmt.Errorf("%w: id is required", ErrInvalidConfig)
	case cfg.Issuer == "":
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidConfig)
	case cfg.ClientID == "":
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidConfig)
	}

	pages := cfg.Pages
	if pages.Login.Route == "" {
		pages = aponia.DefaultProviderPages(cfg.ID)
	}

	checkSet := cfg.Checks
	if len(checkSet) == 0 {
		checkSet = []string{checks.CheckPKCE}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		cfg:           cfg,
		pages:         pages,
		checkSet:      checkSet,
		cookieOptions: cookies.DefaultOptions(false),
		client:        client,
		logger:        logger.Named("oidc." + cfg.ID),
	}, nil
}

// ID implements auth.Provider.
func (p *Provider) ID() string {
	return p.cfg.ID
}

// Pages implements auth.Provider.
func (p *Provider) Pages() aponia.ProviderPages {
	return p.pages
}

// Configure implements auth.Provider.
func (p *Provider) Configure(jwt token.Options, cookieOptions *cookies.Options) {
	p.jwt = jwt
	if cookieOptions != nil {
		p.cookieOptions = cookieOptions
	}
}

// Initialize discovers the authorization server. It is idempotent: the first
// successful discovery is cached for the provider's lifetime. When pkce is
// configured and the server does not advertise S256 support, the check set is
// replaced with {nonce} (any other configured check is dropped) so the flow
// still carries a replay defense.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return nil
	}

	// The discovered provider and its JWKS fetcher outlive the request that
	// triggered discovery, so the context handed to go-oidc must not carry
	// that request's cancellation. The client timeout still bounds each
	// outbound call.
	initCtx := gooidc.ClientContext(context.WithoutCancel(ctx), p.client)
	relying, err := gooidc.NewProvider(initCtx, p.cfg.Issuer)
	if err != nil {
		return fmt.Errorf("oidc: discovering issuer %q: %w", p.cfg.Issuer, err)
	}

	server := &AuthorizationServer{}
	if err := relying.Claims(server); err != nil {
		return fmt.Errorf("oidc: reading discovery document: %w", err)
	}
	if server.AuthorizationEndpoint == "" {
		return ErrNoAuthorizationEndpoint
	}

	if p.checkEnabledLocked(checks.CheckPKCE) && !server.SupportsS256() {
		p.logger.Info("issuer does not support S256, downgrading pkce check to nonce",
			zap.String("issuer", p.cfg.Issuer),
		)
		p.checkSet = []string{checks.CheckNonce}
	}

	p.server = server
	p.relying = relying
	return nil
}

// AuthorizationServer returns the discovered metadata, or nil before
// initialization.
func (p *Provider) AuthorizationServer() *AuthorizationServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}

// Checks returns the effective check set, reflecting any PKCE downgrade
// applied during initialization.
func (p *Provider) Checks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.checkSet...)
}

// Login discovers the server if needed and builds the authorization redirect.
// The openid scopes are defaulted here, after discovery, so a params-supplied
// scope always wins.
func (p *Provider) Login(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	authURL, err := url.Parse(p.AuthorizationServer().AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("oidc: parsing authorization endpoint: %w", err)
	}

	q := authURL.Query()
	for k, v := range p.cfg.AuthorizationParams {
		q.Set(k, v)
	}
	if q.Get("client_id") == "" {
		q.Set("client_id", p.cfg.ClientID)
	}
	if q.Get("response_type") == "" {
		q.Set("response_type", "code")
	}
	if q.Get("redirect_uri") == "" {
		q.Set("redirect_uri", req.Origin()+p.pages.Callback.Route)
	}
	if q.Get("scope") == "" {
		scope := defaultScopes
		if len(p.cfg.Scopes) > 0 {
			scope = strings.Join(p.cfg.Scopes, " ")
		}
		q.Set("scope", scope)
	}

	res := &aponia.Response{Status: http.StatusFound}

	if p.checkEnabled(checks.CheckState) {
		value, cookie, err := checks.CreateState(p.checkParams(checks.CheckState, p.cookieOptions.State))
		if err != nil {
			return nil, err
		}
		q.Set("state", value)
		res.Cookies = append(res.Cookies, cookie)
	}

	if p.checkEnabled(checks.CheckPKCE) {
		challenge, cookie, err := checks.CreatePKCE(p.checkParams(checks.CheckPKCE, p.cookieOptions.PKCECodeVerifier))
		if err != nil {
			return nil, err
		}
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", codeChallengeMethodS256)
		res.Cookies = append(res.Cookies, cookie)
	}

	if p.checkEnabled(checks.CheckNonce) {
		value, cookie, err := checks.CreateNonce(p.checkParams(checks.CheckNonce, p.cookieOptions.Nonce))
		if err != nil {
			return nil, err
		}
		q.Set("nonce", value)
		res.Cookies = append(res.Cookies, cookie)
	}

	authURL.RawQuery = q.Encode()
	res.Redirect = authURL.String()
	return res, nil
}

// Callback completes the flow: checks are consumed, the code exchanged, and
// the ID token validated (signature, issuer, audience, expiry via the
// verifier; nonce against the nonce cookie). The profile handed to OnAuth is
// the validated ID token's claim bag — no userinfo call is made.
func (p *Provider) Callback(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	var deletions []aponia.Cookie

	state, deletion, err := checks.UseState(req, p.checkParams(checks.CheckState, p.cookieOptions.State))
	if err != nil {
		return nil, err
	}
	if deletion != nil {
		deletions = append(deletions, *deletion)
	}

	q := req.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = oauthErr
		}
		return nil, fmt.Errorf("oidc: authorization server returned an error: %s", desc)
	}
	if state != checks.Skip && q.Get("state") != state {
		return nil, ErrStateMismatch
	}

	code := q.Get("code")
	if code == "" {
		return nil, ErrMissingCode
	}

	verifier, deletion, err := checks.UsePKCE(req, p.checkParams(checks.CheckPKCE, p.cookieOptions.PKCECodeVerifier))
	if err != nil {
		return nil, err
	}
	if deletion != nil {
		deletions = append(deletions, *deletion)
	}

	tokens, err := p.exchange(ctx, req, code, verifier)
	if err != nil {
		return nil, err
	}

	nonce, deletion, err := checks.UseNonce(req, p.checkParams(checks.CheckNonce, p.cookieOptions.Nonce))
	if err != nil {
		return nil, err
	}
	if deletion != nil {
		deletions = append(deletions, *deletion)
	}

	idToken, profile, err := p.validateIDToken(ctx, tokens, nonce)
	if err != nil {
		return nil, err
	}

	var res *aponia.Response
	if p.cfg.OnAuth != nil {
		res, err = p.cfg.OnAuth(ctx, profile, idToken)
		if err != nil {
			return nil, fmt.Errorf("oidc: onAuth callback: %w", err)
		}
	}
	if res == nil {
		res = &aponia.Response{Status: http.StatusFound, Redirect: p.pages.Callback.Redirect}
	}

	res.Cookies = append(res.Cookies, deletions...)
	return res, nil
}

// exchange performs the authorization-code grant against the discovered
// token endpoint.
func (p *Provider) exchange(ctx context.Context, req *aponia.Request, code, verifier string) (*oauth2.Token, error) {
	p.mu.Lock()
	endpoint := p.relying.Endpoint()
	p.mu.Unlock()

	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  req.Origin() + p.pages.Callback.Route,
		Endpoint:     endpoint,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	var opts []oauth2.AuthCodeOption
	if verifier != checks.Skip && verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tokens, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
			desc := retrieveErr.ErrorDescription
			if desc == "" {
				desc = retrieveErr.ErrorCode
			}
			return nil, fmt.Errorf("oidc: token endpoint returned an error: %s", desc)
		}
		return nil, fmt.Errorf("oidc: exchanging authorization code: %w", err)
	}

	return tokens, nil
}

// validateIDToken verifies the id_token from the token response and returns
// it together with its claim bag.
func (p *Provider) validateIDToken(ctx context.Context, tokens *oauth2.Token, nonce string) (*gooidc.IDToken, map[string]any, error) {
	raw, ok := tokens.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, nil, ErrMissingIDToken
	}

	p.mu.Lock()
	verifier := p.relying.Verifier(&gooidc.Config{ClientID: p.cfg.ClientID})
	p.mu.Unlock()

	ctx = gooidc.ClientContext(ctx, p.client)
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("oidc: verifying id token: %w", err)
	}

	if nonce != checks.Skip && idToken.Nonce != nonce {
		return nil, nil, ErrNonceMismatch
	}

	profile := map[string]any{}
	if err := idToken.Claims(&profile); err != nil {
		return nil, nil, fmt.Errorf("oidc: extracting id token claims: %w", err)
	}
	if len(profile) == 0 {
		return nil, nil, ErrMissingProfile
	}

	return idToken, profile, nil
}

func (p *Provider) checkEnabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkEnabledLocked(name)
}

func (p *Provider) checkEnabledLocked(name string) bool {
	for _, c := range p.checkSet {
		if c == checks.CheckNone {
			return false
		}
		if c == name {
			return true
		}
	}
	return false
}

func (p *Provider) checkParams(name string, cookie cookies.Option) checks.Params {
	return checks.Params{
		Enabled: p.checkEnabled(name),
		JWT:     p.jwt,
		Cookie:  cookie,
	}
}
