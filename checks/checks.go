// Package checks implements the anti-forgery checks of the login flow: the
// OAuth state parameter, the PKCE code challenge, and the OIDC nonce. Each
// check is a create/use pair: Create mints a fresh one-time value and the
// short-lived encrypted cookie that persists it across the redirect; Use reads
// the cookie back on callback and returns a deletion cookie so the value is
// single-use.
package checks

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/token"
)

// Skip is the sentinel returned by the Use functions when the provider did
// not configure the corresponding check. Callers compare against it before
// enforcing the value.
const Skip = "skip"

// Names of the checks a provider's check set may contain. None disables all
// checks; the others are enforced in the order state, pkce, nonce.
const (
	CheckState = "state"
	CheckPKCE  = "pkce"
	CheckNonce = "nonce"
	CheckNone  = "none"
)

// MaxAge bounds the lifetime of check cookies. A login redirect that takes
// longer than this has to start over.
const MaxAge = 15 * time.Minute

// randomBytes is the entropy of state and nonce values before encoding.
const randomBytes = 16

// Base errors for check failures. They are always wrapped with the check name
// ("state cookie was missing"); compare with errors.Is.
var (
	ErrCookieMissing   = errors.New("cookie was missing")
	ErrValueUnparsable = errors.New("value could not be parsed")
)

// Params configures one check invocation.
type Params struct {
	// Enabled reports whether the provider's check set includes this check.
	// When false, Use returns (Skip, nil, nil) and Create must not be called.
	Enabled bool

	// JWT is the codec used to seal and open the check cookie payload.
	JWT token.Options

	// Cookie is the role template (name and attributes) for this check.
	Cookie cookies.Option
}

// CreateState returns a fresh random state value and the cookie persisting it.
func CreateState(p Params) (string, aponia.Cookie, error) {
	value, err := randomURLSafe(randomBytes)
	if err != nil {
		return "", aponia.Cookie{}, fmt.Errorf("checks: generating state: %w", err)
	}
	cookie, err := sealCookie(p, value)
	return value, cookie, err
}

// UseState reads the state cookie back. The returned value must equal the
// state query parameter echoed by the authorization server.
func UseState(req *aponia.Request, p Params) (string, *aponia.Cookie, error) {
	return openCookie(req, p, "state")
}

// CreatePKCE generates a PKCE code verifier, persists the verifier in the
// check cookie, and returns the S256 challenge to place on the authorization
// URL.
func CreatePKCE(p Params) (string, aponia.Cookie, error) {
	verifier := oauth2.GenerateVerifier()
	cookie, err := sealCookie(p, verifier)
	return oauth2.S256ChallengeFromVerifier(verifier), cookie, err
}

// UsePKCE reads the code verifier back for the token exchange.
func UsePKCE(req *aponia.Request, p Params) (string, *aponia.Cookie, error) {
	return openCookie(req, p, "pkce")
}

// CreateNonce returns a fresh random nonce value and the cookie persisting it.
func CreateNonce(p Params) (string, aponia.Cookie, error) {
	value, err := randomURLSafe(randomBytes)
	if err != nil {
		return "", aponia.Cookie{}, fmt.Errorf("checks: generating nonce: %w", err)
	}
	cookie, err := sealCookie(p, value)
	return value, cookie, err
}

// UseNonce reads the nonce cookie back. The returned value must equal the
// nonce claim of the validated ID token.
func UseNonce(req *aponia.Request, p Params) (string, *aponia.Cookie, error) {
	return openCookie(req, p, "nonce")
}

// sealCookie encrypts {value: v} into the role cookie with the 15-minute
// flow lifetime.
func sealCookie(p Params, value string) (aponia.Cookie, error) {
	raw, err := p.JWT.EncodeToken(map[string]any{"value": value}, MaxAge)
	if err != nil {
		return aponia.Cookie{}, fmt.Errorf("checks: sealing %s cookie: %w", p.Cookie.Name, err)
	}

	attrs := p.Cookie.Attributes
	attrs.Expires = time.Now().Add(MaxAge)

	return aponia.Cookie{Name: p.Cookie.Name, Value: raw, Options: attrs}, nil
}

// openCookie reads, decrypts and consumes a check cookie. On success the
// second return value is a deletion cookie the caller appends to its response.
func openCookie(req *aponia.Request, p Params, name string) (string, *aponia.Cookie, error) {
	if !p.Enabled {
		return Skip, nil, nil
	}

	raw, ok := req.Cookie(p.Cookie.Name)
	if !ok {
		return "", nil, fmt.Errorf("%s %w", name, ErrCookieMissing)
	}

	claims, err := p.JWT.DecodeToken(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%s %w", name, ErrValueUnparsable)
	}

	value, ok := claims["value"].(string)
	if !ok || value == "" {
		return "", nil, fmt.Errorf("%s %w", name, ErrValueUnparsable)
	}

	attrs := p.Cookie.Attributes
	attrs.MaxAge = -1
	attrs.Expires = time.Time{}

	return value, &aponia.Cookie{Name: p.Cookie.Name, Options: attrs}, nil
}

// randomURLSafe returns n bytes of entropy as an unpadded url-safe base64
// string.
func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
