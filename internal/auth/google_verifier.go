package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

var (
	errMissingToken          = errors.New("id token must not be empty")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errUntrustedIssuer       = errors.New("token issuer not allowed")

	// ErrInvalidVerifierConfig reports an unusable verifier configuration.
	ErrInvalidVerifierConfig = errors.New("auth: invalid google verifier config")
)

var trustedGoogleIssuers = map[string]struct{}{
	"https://accounts.google.com": {},
	"accounts.google.com":         {},
}

// GoogleClaims exposes validated claim data required by downstream services.
type GoogleClaims struct {
	Subject string
	Email   string
	Name    string
	Issuer  string
}

// tokenValidator abstracts idtoken validation so tests can substitute payloads.
type tokenValidator func(ctx context.Context, rawToken, audience string) (*idtoken.Payload, error)

// GoogleVerifierConfig bundles configuration required to instantiate a GoogleVerifier.
type GoogleVerifierConfig struct {
	Audience string
	Validate tokenValidator
}

// GoogleVerifier verifies Google ID tokens against the configured OAuth client id.
type GoogleVerifier struct {
	audience string
	validate tokenValidator
}

// NewGoogleVerifier constructs a verifier with validated configuration.
func NewGoogleVerifier(cfg GoogleVerifierConfig) (*GoogleVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}
	validate := cfg.Validate
	if validate == nil {
		validate = idtoken.Validate
	}
	return &GoogleVerifier{audience: audience, validate: validate}, nil
}

// Verify validates the provided ID token and returns essential claims.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (GoogleClaims, error) {
	if rawToken == "" {
		return GoogleClaims{}, errMissingToken
	}

	payload, err := v.validate(ctx, rawToken, v.audience)
	if err != nil {
		return GoogleClaims{}, err
	}

	if _, trusted := trustedGoogleIssuers[payload.Issuer]; !trusted {
		return GoogleClaims{}, errUntrustedIssuer
	}
	if payload.Subject == "" {
		return GoogleClaims{}, errMissingSubject
	}

	return GoogleClaims{
		Subject: payload.Subject,
		Email:   stringClaim(payload, "email"),
		Name:    stringClaim(payload, "name"),
		Issuer:  payload.Issuer,
	}, nil
}

func stringClaim(payload *idtoken.Payload, name string) string {
	value, _ := payload.Claims[name].(string)
	return value
}
