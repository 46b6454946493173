// Package token implements the cookie token codec: arbitrary claim bags are
// encrypted into compact JWEs (alg "dir", enc "A256GCM") under a key derived
// from the instance secret, and decrypted back with expiry enforcement.
//
// The codec is deliberately dumb about its payload. Access tokens, refresh
// tokens and flow cookies all pass through the same Encode/Decode pair as
// map[string]any claim bags; the session manager and checks give the bags
// meaning.
package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultMaxAge is the token lifetime used when EncodeParams.MaxAge is zero.
	DefaultMaxAge = 24 * time.Hour

	// DefaultAccessTokenMaxAge is the default lifetime of access-token cookies.
	DefaultAccessTokenMaxAge = time.Hour

	// DefaultRefreshTokenMaxAge is the default lifetime of refresh-token cookies.
	DefaultRefreshTokenMaxAge = 7 * 24 * time.Hour

	// ClockSkew is the leeway allowed on the exp claim during decode.
	ClockSkew = 15 * time.Second

	// keyInfo is the HKDF context string. It matches the constant used by the
	// Auth.js family of libraries so that cookies are portable between
	// implementations sharing a secret.
	keyInfo = "Auth.js Generated Encryption Key"

	// keySize is the derived key length: 32 bytes for A256GCM.
	keySize = 32
)

// Sentinel errors returned by the codec. Compare with errors.Is.
var (
	// ErrMissingSecret is returned when encoding or decoding without a secret.
	ErrMissingSecret = errors.New("token: secret is required")

	// ErrTokenExpired is returned when the exp claim is in the past beyond
	// the allowed clock skew.
	ErrTokenExpired = errors.New("token: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or decrypted.
	ErrTokenInvalid = errors.New("token: token invalid")
)

// EncodeParams carries the inputs to Encode.
type EncodeParams struct {
	// Secret is the instance secret the encryption key is derived from.
	Secret string

	// MaxAge bounds the token lifetime; exp is set to iat + MaxAge.
	// Zero means DefaultMaxAge.
	MaxAge time.Duration

	// Claims is the payload claim bag. Reserved claim names (iat, exp, jti)
	// are overwritten by the codec.
	Claims map[string]any
}

// DecodeParams carries the inputs to Decode.
type DecodeParams struct {
	Secret string
	Token  string
}

// EncodeFunc and DecodeFunc let callers swap the codec per instance while
// keeping the rest of the core unchanged.
type (
	EncodeFunc func(params EncodeParams) (string, error)
	DecodeFunc func(params DecodeParams) (map[string]any, error)
)

// Options bundles the per-instance codec configuration. The session manager
// builds one from its secret and shares it with every registered provider.
type Options struct {
	Secret string
	MaxAge time.Duration

	// Encode and Decode default to the package-level functions when nil.
	Encode EncodeFunc
	Decode DecodeFunc
}

// EncodeToken encodes claims with the configured codec, secret and max age.
func (o Options) EncodeToken(claims map[string]any, maxAge time.Duration) (string, error) {
	if maxAge == 0 {
		maxAge = o.MaxAge
	}
	encode := o.Encode
	if encode == nil {
		encode = Encode
	}
	return encode(EncodeParams{Secret: o.Secret, MaxAge: maxAge, Claims: claims})
}

// DecodeToken decodes a token with the configured codec and secret.
func (o Options) DecodeToken(raw string) (map[string]any, error) {
	decode := o.Decode
	if decode == nil {
		decode = Decode
	}
	return decode(DecodeParams{Secret: o.Secret, Token: raw})
}

// Encode encrypts the claim bag into a compact JWE. The standard iat, exp and
// jti claims are stamped by the codec; exp is iat plus MaxAge (DefaultMaxAge
// when unset).
func Encode(params EncodeParams) (string, error) {
	if params.Secret == "" {
		return "", ErrMissingSecret
	}

	maxAge := params.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}

	key, err := deriveKey(params.Secret)
	if err != nil {
		return "", fmt.Errorf("token: deriving encryption key: %w", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("token: building encrypter: %w", err)
	}

	now := time.Now()
	registered := josejwt.Claims{
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(maxAge)),
		ID:       uuid.NewString(),
	}

	builder := josejwt.Encrypted(encrypter)
	if len(params.Claims) > 0 {
		builder = builder.Claims(params.Claims)
	}
	// Registered claims are merged last so they replace payload claims of the
	// same name.
	builder = builder.Claims(registered)

	raw, err := builder.Serialize()
	if err != nil {
		return "", fmt.Errorf("token: encrypting claims: %w", err)
	}

	return raw, nil
}

// Decode decrypts a compact JWE produced by Encode and returns the full claim
// bag, including the stamped iat, exp and jti. Expired tokens are rejected
// with ErrTokenExpired; anything unparsable or undecryptable yields
// ErrTokenInvalid. Up to ClockSkew of skew is tolerated on exp.
//
// The claim bag is never logged here — callers own that decision.
func Decode(params DecodeParams) (map[string]any, error) {
	if params.Secret == "" {
		return nil, ErrMissingSecret
	}

	key, err := deriveKey(params.Secret)
	if err != nil {
		return nil, fmt.Errorf("token: deriving encryption key: %w", err)
	}

	parsed, err := josejwt.ParseEncrypted(
		params.Token,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	var registered josejwt.Claims
	claims := map[string]any{}
	if err := parsed.Claims(key, &registered, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if err := registered.ValidateWithLeeway(josejwt.Expected{Time: time.Now()}, ClockSkew); err != nil {
		if errors.Is(err, josejwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	return claims, nil
}

// deriveKey stretches the secret into the 32-byte A256GCM key via HKDF-SHA256
// with an empty salt and the fixed context string. The derivation is
// deterministic so the same secret always yields the same key.
func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, keySize)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
