// Package email implements the email verification provider. Login generates
// a one-time token, renders the verification message, and hands delivery to a
// user-supplied callback; the callback endpoint passes the echoed token and
// email to a user-supplied verifier.
package email

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/cookies"
	"github.com/aponia-io/aponia/token"
)

// verificationTokenBytes is the entropy of the verification token before hex
// encoding.
const verificationTokenBytes = 32

// ErrInvalidConfig is returned by New for incomplete provider configs.
var ErrInvalidConfig = errors.New("email: invalid provider config")

// Verification is handed to OnAuth for delivery. HTML is deterministic:
// identical inputs render identical output, so delivery can be tested
// byte-for-byte.
type Verification struct {
	// Email is the address the message should be delivered to.
	Email string

	// Token is the one-time verification token, also embedded in URL.
	Token string

	// URL is the absolute verification link.
	URL string

	// HTML is the rendered message body.
	HTML string

	// ProviderID identifies the issuing provider.
	ProviderID string
}

// Config configures an email provider. GetEmail, OnAuth and OnVerify are
// required.
type Config struct {
	// ID defaults to "email".
	ID string

	// Pages overrides the default routes.
	Pages aponia.ProviderPages

	// GetEmail extracts the address from a login request, typically from a
	// form body on the opaque original request. Returning an empty address
	// (without error) skips the flow.
	GetEmail func(ctx context.Context, req *aponia.Request) (string, error)

	// OnAuth delivers the verification message. Returning nil, nil yields an
	// empty response.
	OnAuth func(ctx context.Context, v *Verification) (*aponia.Response, error)

	// OnVerify consumes the echoed token and email on callback.
	OnVerify func(ctx context.Context, verificationToken, email string) (*aponia.Response, error)
}

// Provider implements the verification flow.
type Provider struct {
	cfg   Config
	pages aponia.ProviderPages

	jwt           token.Options
	cookieOptions *cookies.Options
}

// New validates the config and returns a Provider.
func New(cfg Config) (*Provider, error) {
	switch {
	case cfg.GetEmail == nil:
		return nil, fmt.Errorf("%w: getEmail is required", ErrInvalidConfig)
	case cfg.OnAuth == nil:
		return nil, fmt.Errorf("%w: onAuth is required", ErrInvalidConfig)
	case cfg.OnVerify == nil:
		return nil, fmt.Errorf("%w: onVerify is required", ErrInvalidConfig)
	}

	if cfg.ID == "" {
		cfg.ID = "email"
	}

	pages := cfg.Pages
	if pages.Login.Route == "" {
		pages = aponia.DefaultProviderPages(cfg.ID)
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

// Configure implements auth.Provider.
func (p *Provider) Configure(jwt token.Options, cookieOptions *cookies.Options) {
	p.jwt = jwt
	p.cookieOptions = cookieOptions
}

// Login extracts the address, mints the verification token and URL, renders
// the message, and hands the bundle to OnAuth for delivery.
func (p *Provider) Login(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	address, err := p.cfg.GetEmail(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("email: extracting address: %w", err)
	}
	if address == "" {
		return &aponia.Response{}, nil
	}

	verificationToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("email: generating verification token: %w", err)
	}

	query := url.Values{}
	query.Set("token", verificationToken)
	query.Set("email", address)
	verificationURL := req.Origin() + p.pages.Callback.Route + "?" + query.Encode()

	html, err := renderVerification(verificationURL)
	if err != nil {
		return nil, fmt.Errorf("email: rendering verification message: %w", err)
	}

	res, err := p.cfg.OnAuth(ctx, &Verification{
		Email:      address,
		Token:      verificationToken,
		URL:        verificationURL,
		HTML:       html,
		ProviderID: p.cfg.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("email: delivering verification message: %w", err)
	}
	if res == nil {
		res = &aponia.Response{}
	}
	return res, nil
}

// Callback passes the echoed token and email to OnVerify.
func (p *Provider) Callback(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
	q := req.URL.Query()
	res, err := p.cfg.OnVerify(ctx, q.Get("token"), q.Get("email"))
	if err != nil {
		return nil, fmt.Errorf("email: verifying token: %w", err)
	}
	if res == nil {
		res = &aponia.Response{}
	}
	return res, nil
}

func generateToken() (string, error) {
	b := make([]byte, verificationTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
