package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var providerScopes = map[Provider][]string{
	ProviderGoogleDrive: {
		"https://www.googleapis.com/auth/spreadsheets",
		"https://www.googleapis.com/auth/drive.file",
	},
	ProviderGoogleCalendar: {
		"https://www.googleapis.com/auth/calendar.events",
	},
}

var (
	errMissingClientSecret = errors.New("credentials: oauth client secret is required")
	// ErrNoRefreshToken indicates the consent exchange returned no refresh
	// token, usually because consent was granted before without prompt=consent.
	ErrNoRefreshToken = errors.New("credentials: consent response missing refresh token")
)

// ConnectorConfig configures the OAuth consent flow for linking providers.
type ConnectorConfig struct {
	Store        *Store
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint overrides the Google OAuth endpoint, used by tests.
	Endpoint oauth2.Endpoint
	Clock    func() time.Time
}

// Connector drives the authorization-code consent flow and persists the
// resulting token pair.
type Connector struct {
	store        *Store
	clientID     string
	clientSecret string
	redirectURL  string
	endpoint     oauth2.Endpoint
	clock        func() time.Time
}

// NewConnector constructs a Connector with validated configuration.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errMissingClientSecret
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = google.Endpoint
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Connector{
		store:        cfg.Store,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		endpoint:     endpoint,
		clock:        clock,
	}, nil
}

func (c *Connector) oauthConfig(provider Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURL,
		Endpoint:     c.endpoint,
		Scopes:       providerScopes[provider],
	}
}

// ConsentURL builds the Google consent page URL for the provider. Offline
// access and the consent prompt are forced so a refresh token is always
// returned.
func (c *Connector) ConsentURL(state string, provider Provider) (string, error) {
	if !provider.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, provider)
	}
	return c.oauthConfig(provider).AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// Exchange redeems the authorization code and stores the resulting credential
// for the user. Any prior credential for the pair is replaced and a pending
// reconsent flag is cleared.
func (c *Connector) Exchange(ctx context.Context, userID string, provider Provider, code string) (Credential, error) {
	if !provider.Valid() {
		return Credential{}, fmt.Errorf("%w: %q", ErrInvalidProvider, provider)
	}
	if strings.TrimSpace(code) == "" {
		return Credential{}, fmt.Errorf("credentials: authorization code is required")
	}

	token, err := c.oauthConfig(provider).Exchange(ctx, code)
	if err != nil {
		return Credential{}, fmt.Errorf("credentials: code exchange: %w", err)
	}
	if token.RefreshToken == "" {
		return Credential{}, ErrNoRefreshToken
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = c.clock().Add(time.Hour)
	}

	credential := Credential{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiry.UTC(),
	}
	if err := c.store.Upsert(ctx, credential); err != nil {
		return Credential{}, err
	}
	return credential, nil
}
