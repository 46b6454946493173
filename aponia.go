// Package aponia defines the framework-agnostic request and response shapes
// shared by every component of the auth core. A host adapter builds a Request
// from its native request type, hands it to auth.Auth.Handle, and translates
// the returned Response back into native cookies, redirects and bodies.
//
// The package holds only data types. Behavior lives in the subsystem packages:
// token (codec), checks (anti-forgery), session (token lifecycle), the
// provider engines, and auth (the router).
package aponia

import (
	"net/url"
	"time"
)

// Request is the internal view of an incoming HTTP request. It is immutable
// once constructed by the adapter and is destroyed when Handle returns.
type Request struct {
	// URL is the absolute request URL, including scheme and host. Providers
	// derive redirect URIs from it, so adapters behind a reverse proxy must
	// reconstruct the external scheme and host here.
	URL *url.URL

	// Method is the HTTP method of the original request. Route dispatch
	// checks it against each provider's accepted methods.
	Method string

	// Cookies maps cookie name to value, pre-parsed per RFC 6265.
	Cookies map[string]string

	// Raw is the framework-native request, opaque to the core. First-party
	// provider callbacks may type-assert it to read form bodies or headers.
	Raw any
}

// Cookie returns the value of the named cookie and whether it was present.
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

// Origin returns the scheme://host portion of the request URL.
func (r *Request) Origin() string {
	return r.URL.Scheme + "://" + r.URL.Host
}

// Response is assembled by the core while handling a request. Every field is
// optional; an empty Response means "nothing to do, pass the request through".
type Response struct {
	// User is the identified user, if any. Set from the access-token cookie
	// on every request and from provider callbacks on successful logins.
	User any

	// Status is the HTTP status code to respond with. Zero means the adapter
	// picks a default (302 for redirects, 200 for bodies).
	Status int

	// Redirect is the target of an HTTP redirect, empty for none.
	Redirect string

	// Cookies are emitted as Set-Cookie headers in slice order. The core only
	// appends; it never relies on later cookies overriding earlier ones.
	Cookies []Cookie

	// Body is the JSON payload for introspection endpoints.
	Body any

	// Error is set by the router when any step of the flow failed. Adapters
	// translate it to a 500 with a short message.
	Error error
}

// Cookie is the abstract cookie shape carried in a Response. Adapters
// translate it to the host framework's cookie type.
type Cookie struct {
	Name    string
	Value   string
	Options CookieAttributes
}

// CookieAttributes mirrors the subset of RFC 6265 attributes the core sets.
type CookieAttributes struct {
	Path     string
	Domain   string
	HTTPOnly bool
	Secure   bool

	// SameSite is the literal attribute value: "lax", "strict" or "none".
	SameSite string

	// MaxAge follows the net/http convention: seconds if positive, unset if
	// zero, and "delete immediately" (Max-Age: 0 on the wire) if negative.
	MaxAge int

	// Expires is the absolute expiry, zero for none.
	Expires time.Time
}

// PageEndpoint describes one provider endpoint: its route, the HTTP methods
// it accepts, and (for callbacks) the default post-flow redirect.
type PageEndpoint struct {
	Route    string
	Methods  []string
	Redirect string
}

// AllowsMethod reports whether the endpoint accepts the given HTTP method.
func (e PageEndpoint) AllowsMethod(method string) bool {
	for _, m := range e.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// ProviderPages holds the two endpoints every provider contributes to the
// router: login initiation and callback.
type ProviderPages struct {
	Login    PageEndpoint
	Callback PageEndpoint
}

// DefaultProviderPages returns the canonical routes for a provider id:
// GET /auth/login/{id} and GET /auth/callback/{id} with a "/" redirect.
func DefaultProviderPages(id string) ProviderPages {
	return ProviderPages{
		Login: PageEndpoint{
			Route:   "/auth/login/" + id,
			Methods: []string{"GET"},
		},
		Callback: PageEndpoint{
			Route:    "/auth/callback/" + id,
			Methods:  []string{"GET"},
			Redirect: "/",
		},
	}
}
