// Package oauth implements the OAuth 2.0 authorization-code engine: login
// initiation with anti-forgery checks, the callback handshake, the code
// exchange, and profile retrieval from a userinfo endpoint.
//
// A Provider is registered with auth.New, which shares the session manager's
// codec and cookie templates with it. Authorization servers that bend
// RFC 6749 are accommodated through the token endpoint's Conform hook and a
// custom userinfo Request.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/checks"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/token"
)

// defaultTimeout bounds outbound calls when no HTTP client is supplied. The
// host overrides it by passing its own client.
const defaultTimeout = 15 * time.Second

// Sentinel errors surfaced through the router as {error} responses.
var (
	// ErrInvalidConfig is returned by New for incomplete provider configs.
	ErrInvalidConfig = errors.New("oauth: invalid provider config")

	// ErrMissingCode is returned when the callback carries no authorization code.
	ErrMissingCode = errors.New("oauth: authorization code missing from callback")

	// ErrStateMismatch is returned when the echoed state parameter does not
	// match the value sealed in the state cookie.
	ErrStateMismatch = errors.New("oauth: state parameter does not match state cookie")

	// ErrMissingProfile is returned when the userinfo endpoint yields nothing.
	ErrMissingProfile = errors.New("oauth: provider returned an empty profile")

	// ErrMissingUserInfo is returned when no userinfo endpoint or custom
	// request is configured.
	ErrMissingUserInfo = errors.New("oauth: no userinfo endpoint configured")

	// ErrTokenChallenge is returned when the token endpoint answers with a
	// WWW-Authenticate challenge instead of a token response.
	ErrTokenChallenge = errors.New("oauth: token endpoint returned an authentication challenge")
)

// Endpoint is an authorization endpoint: a URL plus extra query parameters
// copied onto the authorization URL at login time.
type Endpoint struct {
	URL    string
	Params map[string]string
}

// TokenEndpoint is the token endpoint. Conform, when set, post-processes the
// raw token response before parsing; it takes ownership of the response it
// receives and returns the response to parse instead (nil keeps the
// original). Needed for servers that bend RFC 6749, such as Twitch.
type TokenEndpoint struct {
	URL     string
	Conform func(res *http.Response) (*http.Response, error)
}

// UserInfoEndpoint locates the user profile. URL is optional when a custom
// Request is supplied; Request takes precedence.
type UserInfoEndpoint struct {
	URL     string
	Request func(ctx context.Context, tokens *oauth2.Token) (map[string]any, error)
}

// Endpoints groups the three wire endpoints of an OAuth 2.0 flow.
type Endpoints struct {
	Authorization Endpoint
	Token         TokenEndpoint
	UserInfo      UserInfoEndpoint
}

// Config configures an OAuth provider.
type Config struct {
	// ID uniquely names the provider within an Auth instance and appears in
	// the default routes /auth/login/{id} and /auth/callback/{id}.
	ID string

	ClientID     string
	ClientSecret string

	// Scopes are joined into the scope parameter unless the authorization
	// params already carry one.
	Scopes []string

	Endpoints Endpoints

	// Checks is the anti-forgery check set. Default: {pkce}. CheckNone
	// disables all checks.
	Checks []string

	// Pages overrides the default routes. Zero value means defaults.
	Pages aponia.ProviderPages

	// OnAuth maps a fetched profile to a response, typically by establishing
	// a session via session.Manager.SessionCookies. Returning nil, nil falls
	// back to a redirect to the callback page's redirect target.
	OnAuth func(ctx context.Context, profile map[string]any, tokens *oauth2.Token) (*aponia.Response, error)

	// HTTPClient overrides the outbound HTTP client.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Provider executes the authorization-code flow for one OAuth 2.0 client.
type Provider struct {
	cfg      Config
	pages    aponia.ProviderPages
	checkSet []string

	jwt           token.Options
	cookieOptions *cookies.Options

	client *http.Client
	logger *zap.Logger
}

// New validates the config and returns a Provider. The provider is inert
// until registered with auth.New, which injects the codec and cookie
// templates shared by the Auth instance.
func New(cfg Config) (*Provider, error) {
	switch {
	case cfg.ID == "":
		return nil, fmt.Errorf("%w: id is required", ErrInvalidConfig)
	case cfg.ClientID == "":
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidConfig)
	case cfg.Endpoints.Authorization.URL == "":
		return nil, fmt.Errorf("%w: authorization endpoint is required", ErrInvalidConfig)
	case cfg.Endpoints.Token.URL == "":
		return nil, fmt.Errorf("%w: token endpoint is required", ErrInvalidConfig)
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
		logger:        logger.Named("oauth." + cfg.ID),
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

// Configure implements auth.Provider. The router calls it during
// construction to share the session manager's codec and cookie templates.
func (p *Provider) Configure(jwt token.Options, cookieOptions *cookies.Options) {
	p.jwt = jwt
	if cookieOptions != nil {
		p.cookieOptions = cookieOptions
	}
}

// Login builds the authorization redirect: endpoint params are copied onto
// the URL, the redirect URI is derived from the request origin unless
// overridden, and the configured checks contribute their query parameters and
// cookies in the order state, pkce, nonce.
func (p *Provider) Login(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	authURL, err := url.Parse(p.cfg.Endpoints.Authorization.URL)
	if err != nil {
		return nil, fmt.Errorf("oauth: parsing authorization endpoint: %w", err)
	}

	q := authURL.Query()
	for k, v := range p.cfg.Endpoints.Authorization.Params {
		q.Set(k, v)
	}
	if q.Get("client_id") == "" {
		q.Set("client_id", p.cfg.ClientID)
	}
	if q.Get("response_type") == "" {
		q.Set("response_type", "code")
	}
	if len(p.cfg.Scopes) > 0 && q.Get("scope") == "" {
		q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}
	if q.Get("redirect_uri") == "" {
		q.Set("redirect_uri", req.Origin()+p.pages.Callback.Route)
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
		q.Set("code_challenge_method", "S256")
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

// Callback completes the flow: the state and PKCE cookies are consumed and
// verified, the code is exchanged, the profile fetched, and OnAuth invoked.
// The check deletion cookies are merged into whatever response OnAuth
// produces.
func (p *Provider) Callback(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
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
		return nil, fmt.Errorf("oauth: authorization server returned an error: %s", desc)
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

	profile, err := p.Profile(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if len(profile) == 0 {
		return nil, ErrMissingProfile
	}

	var res *aponia.Response
	if p.cfg.OnAuth != nil {
		res, err = p.cfg.OnAuth(ctx, profile, tokens)
		if err != nil {
			return nil, fmt.Errorf("oauth: onAuth callback: %w", err)
		}
	}
	if res == nil {
		res = &aponia.Response{Status: http.StatusFound, Redirect: p.pages.Callback.Redirect}
	}

	res.Cookies = append(res.Cookies, deletions...)
	return res, nil
}

// Profile fetches the user profile for a token set, preferring the custom
// userinfo request when one is configured.
func (p *Provider) Profile(ctx context.Context, tokens *oauth2.Token) (map[string]any, error) {
	if p.cfg.Endpoints.UserInfo.Request != nil {
		profile, err := p.cfg.Endpoints.UserInfo.Request(ctx, tokens)
		if err != nil {
			return nil, fmt.Errorf("oauth: custom userinfo request: %w", err)
		}
		return profile, nil
	}

	if p.cfg.Endpoints.UserInfo.URL == "" {
		return nil, ErrMissingUserInfo
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tokens))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoints.UserInfo.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("oauth: building userinfo request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	httpRes, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oauth: fetching userinfo: %w", err)
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: userinfo endpoint returned status %d", httpRes.StatusCode)
	}

	profile := map[string]any{}
	if err := json.NewDecoder(httpRes.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("oauth: decoding userinfo response: %w", err)
	}
	return profile, nil
}

// exchange performs the authorization-code grant. The redirect URI is
// reconstructed from the request origin and callback route, matching the one
// sent at login time.
func (p *Provider) exchange(ctx context.Context, req *aponia.Request, code, verifier string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  req.Origin() + p.pages.Callback.Route,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.cfg.Endpoints.Authorization.URL,
			TokenURL: p.cfg.Endpoints.Token.URL,
		},
		Scopes: p.cfg.Scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.tokenClient())

	var opts []oauth2.AuthCodeOption
	if verifier != checks.Skip && verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tokens, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.Response != nil && retrieveErr.Response.Header.Get("WWW-Authenticate") != "" {
				return nil, ErrTokenChallenge
			}
			if retrieveErr.ErrorCode != "" {
				desc := retrieveErr.ErrorDescription
				if desc == "" {
					desc = retrieveErr.ErrorCode
				}
				return nil, fmt.Errorf("oauth: token endpoint returned an error: %s", desc)
			}
		}
		return nil, fmt.Errorf("oauth: exchanging authorization code: %w", err)
	}

	return tokens, nil
}

// tokenClient wraps the outbound client with the Conform hook, scoped to
// responses from the token endpoint.
func (p *Provider) tokenClient() *http.Client {
	if p.cfg.Endpoints.Token.Conform == nil {
		return p.client
	}

	base := p.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &http.Client{
		Transport: &conformTransport{
			base:     base,
			tokenURL: p.cfg.Endpoints.Token.URL,
			conform:  p.cfg.Endpoints.Token.Conform,
		},
		Timeout: p.client.Timeout,
	}
}

func (p *Provider) checkEnabled(name string) bool {
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

// conformTransport applies the Conform hook to token endpoint responses and
// passes everything else through untouched.
type conformTransport struct {
	base     http.RoundTripper
	tokenURL string
	conform  func(*http.Response) (*http.Response, error)
}

func (t *conformTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err != nil || !strings.HasPrefix(req.URL.String(), t.tokenURL) {
		return res, err
	}

	conformed, err := t.conform(res)
	if err != nil {
		return nil, err
	}
	if conformed == nil {
		return res, nil
	}
	return conformed, nil
}
