package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshSkew    = 60 * time.Second
	defaultRefreshTimeout = 30 * time.Second
	googleTokenURL        = "https://oauth2.googleapis.com/token"
)

var (
	// ErrRefreshRevoked indicates the refresh token was rejected by the
	// provider (invalid_grant). The user must re-consent; retrying is useless.
	ErrRefreshRevoked = errors.New("credentials: refresh token revoked")
	// ErrRefreshTransient indicates a network failure or provider 5xx during
	// refresh. The caller may retry with backoff.
	ErrRefreshTransient = errors.New("credentials: transient refresh failure")

	errMissingStore    = errors.New("credentials: store is required")
	errMissingClientID = errors.New("credentials: oauth client id is required")
)

// RefresherConfig describes the dependencies of the token refresher.
type RefresherConfig struct {
	Store        *Store
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Google token endpoint. Used in tests.
	TokenURL   string
	Skew       time.Duration
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Refresher exchanges refresh tokens for fresh access tokens. Concurrent
// callers needing the same (user, provider) credential share a single refresh
// call; Google rotates refresh tokens, so a duplicate exchange would strand
// one caller with a dead token.
type Refresher struct {
	store        *Store
	clientID     string
	clientSecret string
	tokenURL     string
	skew         time.Duration
	httpClient   *http.Client
	clock        func() time.Time
	logger       *zap.Logger
	group        singleflight.Group
}

// NewRefresher constructs a Refresher with sane defaults.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	skew := cfg.Skew
	if skew <= 0 {
		skew = defaultRefreshSkew
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRefreshTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		store:        cfg.Store,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     tokenURL,
		skew:         skew,
		httpClient:   httpClient,
		clock:        clock,
		logger:       logger,
	}, nil
}

// EnsureFresh returns a credential whose access token is valid for at least
// the configured skew. A credential already inside the window is returned
// without a network call.
func (r *Refresher) EnsureFresh(ctx context.Context, userID string, provider Provider) (Credential, error) {
	credential, err := r.store.Get(ctx, userID, provider)
	if err != nil {
		return Credential{}, err
	}
	if credential.FreshFor(r.clock(), r.skew) {
		return credential, nil
	}
	return r.refresh(ctx, credential)
}

// ForceRefresh exchanges the refresh token regardless of the stored expiry.
// Used after a provider rejects an access token the store believed valid.
func (r *Refresher) ForceRefresh(ctx context.Context, userID string, provider Provider) (Credential, error) {
	credential, err := r.store.Get(ctx, userID, provider)
	if err != nil {
		return Credential{}, err
	}
	return r.refresh(ctx, credential)
}

func (r *Refresher) refresh(ctx context.Context, credential Credential) (Credential, error) {
	key := credential.UserID + "|" + string(credential.Provider)
	result, err, _ := r.group.Do(key, func() (interface{}, error) {
		// Another waiter may have refreshed while we queued.
		current, err := r.store.Get(ctx, credential.UserID, credential.Provider)
		if err == nil && current.FreshFor(r.clock(), r.skew) && current.AccessToken != credential.AccessToken {
			return current, nil
		}

		refreshed, err := r.exchange(ctx, credential)
		if err != nil {
			if errors.Is(err, ErrRefreshRevoked) {
				if markErr := r.store.MarkRequiresReconsent(ctx, credential.UserID, credential.Provider); markErr != nil {
					r.logger.Warn("failed to flag credential for reconsent",
						zap.String("user_id", credential.UserID),
						zap.String("provider", string(credential.Provider)),
						zap.Error(markErr))
				}
			}
			return nil, err
		}
		if err := r.store.Upsert(ctx, refreshed); err != nil {
			return nil, err
		}
		r.logger.Info("credential refreshed",
			zap.String("user_id", credential.UserID),
			zap.String("provider", string(credential.Provider)),
			zap.Time("expires_at", refreshed.ExpiresAt))
		return refreshed, nil
	})
	if err != nil {
		return Credential{}, err
	}
	refreshed, ok := result.(Credential)
	if !ok {
		return Credential{}, fmt.Errorf("credentials: unexpected refresh result %T", result)
	}
	return refreshed, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (r *Refresher) exchange(ctx context.Context, credential Credential) (Credential, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", r.clientID)
	data.Set("client_secret", r.clientSecret)
	data.Set("refresh_token", credential.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("credentials: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrRefreshTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp tokenErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return Credential{}, classifyRefreshFailure(resp.StatusCode, errResp)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return Credential{}, fmt.Errorf("%w: decode token response: %v", ErrRefreshTransient, err)
	}
	if tokenResp.AccessToken == "" {
		return Credential{}, fmt.Errorf("%w: empty access token in response", ErrRefreshTransient)
	}

	refreshed := credential
	refreshed.AccessToken = tokenResp.AccessToken
	// Google omits the refresh token unless it rotated.
	if tokenResp.RefreshToken != "" {
		refreshed.RefreshToken = tokenResp.RefreshToken
	}
	if tokenResp.ExpiresIn > 0 {
		refreshed.ExpiresAt = r.clock().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	refreshed.RequiresReconsent = false
	return refreshed, nil
}

func classifyRefreshFailure(status int, errResp tokenErrorResponse) error {
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: token endpoint returned %d", ErrRefreshTransient, status)
	}
	if errResp.Error == "invalid_grant" {
		return fmt.Errorf("%w: %s", ErrRefreshRevoked, errResp.Description)
	}
	if errResp.Error != "" {
		return fmt.Errorf("%w: %s - %s", ErrRefreshRevoked, errResp.Error, errResp.Description)
	}
	return fmt.Errorf("%w: token endpoint returned %d", ErrRefreshRevoked, status)
}
