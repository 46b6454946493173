// Package session maintains the access/refresh token lifecycle on top of the
// cookie codec. The manager holds no server-side state — both tokens live in
// encrypted cookies — and delegates session creation, refresh and
// invalidation to user-supplied callbacks.
//
// The manager never surfaces a hard error from request handling: a cookie
// that fails to decrypt is logged and treated as absent, so the request
// proceeds anonymously. Errors from HandleRefresh and GetUserFromSession are
// logged and swallowed the same way. Only OnInvalidateSession (via Logout) and
// CreateSession (via SessionCookies) return errors to the caller.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/token"
)

// ErrMissingSecret is returned by NewManager when no secret is configured.
var ErrMissingSecret = errors.New("session: secret is required")

// TokenPair carries the decoded claim bags of the two session cookies. A nil
// entry means the cookie was absent or failed to decrypt.
type TokenPair struct {
	AccessToken  map[string]any
	RefreshToken map[string]any
}

// NewSession is the result of a CreateSession or HandleRefresh callback: the
// identified user plus the raw token values to seal into cookies. Token
// values may be any JSON-marshalable shape; map[string]any passes through
// unchanged. RefreshToken may be nil for access-only sessions.
type NewSession struct {
	User         any
	AccessToken  any
	RefreshToken any
}

// Config configures a Manager. Secret is required; everything else has
// defaults.
type Config struct {
	// Secret is the instance secret all cookies are encrypted under.
	Secret string

	// JWT overrides the codec options. When nil, the default codec is used
	// with Secret.
	JWT *token.Options

	// Cookies overrides the cookie templates. When nil, the canonical layout
	// is built from SecureCookies.
	Cookies *cookies.Options

	// SecureCookies selects the "__Secure-"-prefixed layout. Ignored when
	// Cookies is set explicitly.
	SecureCookies bool

	// AccessTokenMaxAge and RefreshTokenMaxAge bound cookie and token
	// lifetimes. Defaults: one hour and seven days.
	AccessTokenMaxAge  time.Duration
	RefreshTokenMaxAge time.Duration

	// CreateSession turns an identified user into a NewSession. Used by
	// SessionCookies; when nil the user claims double as the access token.
	CreateSession func(ctx context.Context, user any) (*NewSession, error)

	// GetUserFromSession extracts the user from decoded access-token claims.
	// Defaults to identity (the claim bag is the user).
	GetUserFromSession func(ctx context.Context, claims map[string]any) (any, error)

	// HandleRefresh is invoked on every request with whatever tokens
	// decoded. Returning a non-nil NewSession re-issues the access cookie,
	// and the refresh cookie when its RefreshToken is set. Returning nil, nil
	// means nothing to do.
	HandleRefresh func(ctx context.Context, pair TokenPair) (*NewSession, error)

	// OnInvalidateSession is invoked on logout with the decoded tokens. Its
	// response (typically a redirect) replaces the default logout response.
	OnInvalidateSession func(ctx context.Context, access, refresh map[string]any, m *Manager) (*aponia.Response, error)

	// Logger receives decode soft-failures and refresh errors. Nil disables.
	Logger *zap.Logger
}

// Manager implements the session lifecycle described above.
type Manager struct {
	jwt           token.Options
	cookieOptions *cookies.Options
	accessMaxAge  time.Duration
	refreshMaxAge time.Duration
	logger        *zap.Logger

	createSession       func(ctx context.Context, user any) (*NewSession, error)
	getUserFromSession  func(ctx context.Context, claims map[string]any) (any, error)
	handleRefresh       func(ctx context.Context, pair TokenPair) (*NewSession, error)
	onInvalidateSession func(ctx context.Context, access, refresh map[string]any, m *Manager) (*aponia.Response, error)
}

// NewManager validates the config and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" && (cfg.JWT == nil || cfg.JWT.Secret == "") {
		return nil, ErrMissingSecret
	}

	jwt := token.Options{Secret: cfg.Secret, MaxAge: token.DefaultMaxAge}
	if cfg.JWT != nil {
		jwt = *cfg.JWT
		if jwt.Secret == "" {
			jwt.Secret = cfg.Secret
		}
		if jwt.MaxAge == 0 {
			jwt.MaxAge = token.DefaultMaxAge
		}
	}

	cookieOptions := cfg.Cookies
	if cookieOptions == nil {
		cookieOptions = cookies.DefaultOptions(cfg.SecureCookies)
	}

	accessMaxAge := cfg.AccessTokenMaxAge
	if accessMaxAge == 0 {
		accessMaxAge = token.DefaultAccessTokenMaxAge
	}
	refreshMaxAge := cfg.RefreshTokenMaxAge
	if refreshMaxAge == 0 {
		refreshMaxAge = token.DefaultRefreshTokenMaxAge
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		jwt:                 jwt,
		cookieOptions:       cookieOptions,
		accessMaxAge:        accessMaxAge,
		refreshMaxAge:       refreshMaxAge,
		logger:              logger.Named("session"),
		createSession:       cfg.CreateSession,
		getUserFromSession:  cfg.GetUserFromSession,
		handleRefresh:       cfg.HandleRefresh,
		onInvalidateSession: cfg.OnInvalidateSession,
	}, nil
}

// JWT returns the codec options shared with registered providers.
func (m *Manager) JWT() token.Options {
	return m.jwt
}

// CookieOptions returns the cookie templates shared with registered providers.
func (m *Manager) CookieOptions() *cookies.Options {
	return m.cookieOptions
}

// UserFromRequest resolves the user identified by the access-token cookie, or
// nil when the cookie is absent or undecryptable.
func (m *Manager) UserFromRequest(ctx context.Context, req *aponia.Request) any {
	claims := m.decodeCookie(req, m.cookieOptions.AccessToken.Name, "access")
	if claims == nil {
		return nil
	}
	return m.userFromClaims(ctx, claims)
}

// HandleRequest runs on every request, auth route or not. It resolves the
// current user from the access cookie and gives HandleRefresh the chance to
// rotate tokens; any cookies it returns must be merged into the final
// response regardless of how the request is otherwise dispatched.
//
// Failures here degrade to an anonymous response; they are logged, never
// returned.
func (m *Manager) HandleRequest(ctx context.Context, req *aponia.Request) *aponia.Response {
	res := &aponia.Response{}

	access := m.decodeCookie(req, m.cookieOptions.AccessToken.Name, "access")
	refresh := m.decodeCookie(req, m.cookieOptions.RefreshToken.Name, "refresh")

	if access != nil {
		res.User = m.userFromClaims(ctx, access)
	}

	if m.handleRefresh == nil {
		return res
	}

	next, err := m.handleRefresh(ctx, TokenPair{AccessToken: access, RefreshToken: refresh})
	if err != nil {
		m.logger.Warn("session refresh failed", zap.Error(err))
		return res
	}
	if next == nil {
		return res
	}

	sessionCookies, err := m.CreateCookies(next)
	if err != nil {
		m.logger.Warn("issuing refreshed session cookies failed", zap.Error(err))
		return res
	}
	res.Cookies = append(res.Cookies, sessionCookies...)

	if res.User == nil && next.User != nil {
		res.User = next.User
	}

	return res
}

// Logout invalidates the current session. When an access token is present and
// OnInvalidateSession is configured, its response is used; otherwise the
// response is left for the router to fill with the logout redirect. Deletion
// cookies for both tokens are always appended, access before refresh.
func (m *Manager) Logout(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	access := m.decodeCookie(req, m.cookieOptions.AccessToken.Name, "access")
	refresh := m.decodeCookie(req, m.cookieOptions.RefreshToken.Name, "refresh")

	res := &aponia.Response{}
	if access != nil && m.onInvalidateSession != nil {
		invalidated, err := m.onInvalidateSession(ctx, access, refresh, m)
		if err != nil {
			return nil, fmt.Errorf("session: invalidating session: %w", err)
		}
		if invalidated != nil {
			res = invalidated
		}
	}

	res.Cookies = append(res.Cookies,
		m.deletionCookie(m.cookieOptions.AccessToken),
		m.deletionCookie(m.cookieOptions.RefreshToken),
	)

	return res, nil
}

// CreateCookies seals a NewSession into its access and refresh cookies,
// access first. A nil RefreshToken yields only the access cookie.
func (m *Manager) CreateCookies(s *NewSession) ([]aponia.Cookie, error) {
	accessClaims, err := claimsOf(s.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("session: encoding access token claims: %w", err)
	}

	raw, err := m.jwt.EncodeToken(accessClaims, m.accessMaxAge)
	if err != nil {
		return nil, fmt.Errorf("session: sealing access token: %w", err)
	}

	result := []aponia.Cookie{m.sessionCookie(m.cookieOptions.AccessToken, raw, m.accessMaxAge)}

	if s.RefreshToken != nil {
		refreshClaims, err := claimsOf(s.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("session: encoding refresh token claims: %w", err)
		}
		raw, err := m.jwt.EncodeToken(refreshClaims, m.refreshMaxAge)
		if err != nil {
			return nil, fmt.Errorf("session: sealing refresh token: %w", err)
		}
		result = append(result, m.sessionCookie(m.cookieOptions.RefreshToken, raw, m.refreshMaxAge))
	}

	return result, nil
}

// SessionCookies establishes a session for a freshly authenticated user. The
// CreateSession callback shapes the tokens; without one the user claims
// double as the access token and no refresh token is issued.
//
// Provider OnAuth callbacks use this to log a user in.
func (m *Manager) SessionCookies(ctx context.Context, user any) ([]aponia.Cookie, error) {
	next := &NewSession{User: user, AccessToken: user}
	if m.createSession != nil {
		created, err := m.createSession(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("session: creating session: %w", err)
		}
		if created == nil {
			return nil, nil
		}
		next = created
	}
	return m.CreateCookies(next)
}

// decodeCookie is the soft decode path: absence and decrypt failures both
// yield nil, with the failure logged.
func (m *Manager) decodeCookie(req *aponia.Request, name, kind string) map[string]any {
	raw, ok := req.Cookie(name)
	if !ok {
		return nil
	}

	claims, err := m.jwt.DecodeToken(raw)
	if err != nil {
		m.logger.Debug("could not decode token cookie",
			zap.String("cookie", kind),
			zap.Error(err),
		)
		return nil
	}
	return claims
}

func (m *Manager) userFromClaims(ctx context.Context, claims map[string]any) any {
	if m.getUserFromSession == nil {
		return claims
	}
	user, err := m.getUserFromSession(ctx, claims)
	if err != nil {
		m.logger.Warn("resolving user from session failed", zap.Error(err))
		return nil
	}
	return user
}

func (m *Manager) sessionCookie(opt cookies.Option, value string, maxAge time.Duration) aponia.Cookie {
	attrs := opt.Attributes
	attrs.MaxAge = int(maxAge / time.Second)
	return aponia.Cookie{Name: opt.Name, Value: value, Options: attrs}
}

func (m *Manager) deletionCookie(opt cookies.Option) aponia.Cookie {
	attrs := opt.Attributes
	attrs.MaxAge = -1
	attrs.Expires = time.Time{}
	return aponia.Cookie{Name: opt.Name, Options: attrs}
}

// claimsOf normalizes a token value into a claim bag. Maps pass through;
// anything else round-trips through JSON so struct-shaped tokens work too.
func claimsOf(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if claims, ok := v.(map[string]any); ok {
		return claims, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	claims := map[string]any{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}
