package providers

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/Wambui-N/f2s-sub002/internal/credentials"
)

// TokenProvider supplies fresh credentials for provider calls. Implemented by
// credentials.Refresher; stubbed in tests.
type TokenProvider interface {
	EnsureFresh(ctx context.Context, userID string, provider credentials.Provider) (credentials.Credential, error)
	ForceRefresh(ctx context.Context, userID string, provider credentials.Provider) (credentials.Credential, error)
}

// staticTokenSource adapts one refreshed credential to oauth2.TokenSource for
// the Google API client constructors. Freshness is handled before the service
// is built; a rejected token triggers a rebuild, not a silent re-fetch here.
func staticTokenSource(credential credentials.Credential) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: credential.AccessToken,
		TokenType:   "Bearer",
		Expiry:      credential.ExpiresAt,
	})
}
