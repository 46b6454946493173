// Package cookies defines the canonical cookie layout of the auth core: one
// named template per cookie role, with attributes adjusted for secure
// deployments. Templates are plain values — components copy the attributes
// into the cookies they emit.
package cookies

import (
	"github.com/aponia-io/aponia"
)

// Name suffixes per cookie role. The full name is prefix + "aponia-auth." +
// suffix, where prefix is "__Secure-" (or "__Host-" for the CSRF token) when
// secure cookies are requested.
const (
	baseName = "aponia-auth."

	securePrefix = "__Secure-"
	hostPrefix   = "__Host-"

	sessionTokenName     = "session-token"
	accessTokenName      = "access-token"
	refreshTokenName     = "refresh-token"
	callbackURLName      = "callback-url"
	csrfTokenName        = "csrf-token"
	pkceCodeVerifierName = "pkce.code_verifier"
	stateName            = "state"
	nonceName            = "nonce"
)

// ShortLivedMaxAge is the default lifetime, in seconds, of the single-use
// flow cookies (PKCE verifier, state, nonce).
const ShortLivedMaxAge = 15 * 60

// Option is the template for one cookie role: its name and the default
// attributes every cookie of that role starts from.
type Option struct {
	Name       string
	Attributes aponia.CookieAttributes
}

// Options maps each cookie role to its template. Built once per Auth instance
// by DefaultOptions and shared read-only with the session manager and all
// providers.
type Options struct {
	SessionToken     Option
	AccessToken      Option
	RefreshToken     Option
	CallbackURL      Option
	CSRFToken        Option
	PKCECodeVerifier Option
	State            Option
	Nonce            Option
}

// DefaultOptions returns the canonical cookie set. With secure true, names
// gain the "__Secure-" prefix ("__Host-" for the CSRF token) and the Secure
// attribute is set — enable it on any HTTPS deployment.
func DefaultOptions(secure bool) *Options {
	prefix := ""
	csrfPrefix := ""
	if secure {
		prefix = securePrefix
		csrfPrefix = hostPrefix
	}

	attrs := aponia.CookieAttributes{
		Path:     "/",
		HTTPOnly: true,
		SameSite: "lax",
		Secure:   secure,
	}

	shortLived := attrs
	shortLived.MaxAge = ShortLivedMaxAge

	return &Options{
		SessionToken:     Option{Name: prefix + baseName + sessionTokenName, Attributes: attrs},
		AccessToken:      Option{Name: prefix + baseName + accessTokenName, Attributes: attrs},
		RefreshToken:     Option{Name: prefix + baseName + refreshTokenName, Attributes: attrs},
		CallbackURL:      Option{Name: prefix + baseName + callbackURLName, Attributes: attrs},
		CSRFToken:        Option{Name: csrfPrefix + baseName + csrfTokenName, Attributes: attrs},
		PKCECodeVerifier: Option{Name: prefix + baseName + pkceCodeVerifierName, Attributes: shortLived},
		State:            Option{Name: prefix + baseName + stateName, Attributes: shortLived},
		Nonce:            Option{Name: prefix + baseName + nonceName, Attributes: shortLived},
	}
}
