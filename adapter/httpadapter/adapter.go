// Package httpadapter translates between net/http and the core's abstract
// request/response shapes. It is the reference adapter: NewRequest and
// WriteResponse can be used directly by custom integrations, and Middleware
// mounts a complete Auth instance into any net/http or chi handler chain.
package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/auth"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyUser is the context key under which the resolved user is
	// stored for downstream handlers.
	contextKeyUser contextKey = iota
)

// NewRequest builds the core's request shape from a net/http request. The
// URL is made absolute: host from the request, scheme from the TLS state or
// the X-Forwarded-Proto header when a reverse proxy terminates TLS.
func NewRequest(r *http.Request) *aponia.Request {
	u := *r.URL
	u.Host = r.Host
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		u.Scheme = proto
	}

	cookieMap := map[string]string{}
	for _, c := range r.Cookies() {
		cookieMap[c.Name] = c.Value
	}

	return &aponia.Request{
		URL:     &u,
		Method:  r.Method,
		Cookies: cookieMap,
		Raw:     r,
	}
}

// SetCookies emits one Set-Cookie header per cookie, preserving order.
func SetCookies(w http.ResponseWriter, cookieList []aponia.Cookie) {
	for _, c := range cookieList {
		http.SetCookie(w, toHTTPCookie(c))
	}
}

// WriteResponse terminates the request with the core's response: error,
// redirect, or JSON body, in that precedence. Cookies must already have been
// set by the caller.
func WriteResponse(w http.ResponseWriter, r *http.Request, res *aponia.Response) {
	switch {
	case res.Error != nil:
		errJSON(w, http.StatusInternalServerError, res.Error.Error())
	case res.Redirect != "":
		status := res.Status
		if status < http.StatusMultipleChoices || status > http.StatusPermanentRedirect {
			status = http.StatusFound
		}
		http.Redirect(w, r, res.Redirect, status)
	default:
		status := res.Status
		if status == 0 {
			status = http.StatusOK
		}
		writeJSON(w, status, res.Body)
	}
}

// Middleware runs the core on every request. Auth-owned routes (login,
// callback, logout, session) are terminated here; everything else continues
// down the chain with the session refresh cookies applied and the resolved
// user reachable via UserFromContext.
func Middleware(a *auth.Auth, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("httpadapter")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := NewRequest(r)
			res := a.Handle(r.Context(), req)

			SetCookies(w, res.Cookies)

			if res.Error != nil {
				logger.Warn("auth request failed",
					zap.String("path", r.URL.Path),
					zap.Error(res.Error),
				)
				errJSON(w, http.StatusInternalServerError, res.Error.Error())
				return
			}

			if res.Redirect != "" || a.Owns(r.URL.Path) {
				WriteResponse(w, r, res)
				return
			}

			ctx := r.Context()
			if res.User != nil {
				ctx = context.WithValue(ctx, contextKeyUser, res.User)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext retrieves the user resolved by Middleware, or nil for
// anonymous requests.
func UserFromContext(ctx context.Context) any {
	return ctx.Value(contextKeyUser)
}

// toHTTPCookie maps the abstract cookie onto net/http. The core's MaxAge
// already follows the net/http convention, except that net/http needs -1 to
// emit the deleting Max-Age: 0.
func toHTTPCookie(c aponia.Cookie) *http.Cookie {
	out := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Options.Path,
		Domain:   c.Options.Domain,
		HttpOnly: c.Options.HTTPOnly,
		Secure:   c.Options.Secure,
		SameSite: sameSite(c.Options.SameSite),
		MaxAge:   c.Options.MaxAge,
	}
	if !c.Options.Expires.IsZero() {
		out.Expires = c.Options.Expires
	}
	if c.Options.MaxAge < 0 {
		out.MaxAge = -1
		out.Expires = time.Unix(0, 0)
	}
	return out
}

func sameSite(value string) http.SameSite {
	switch value {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

// envelope is the JSON wrapper used for error responses, mirroring the shape
// most REST frontends already parse.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{
		"error": envelope{"message": message},
	})
}
