package providers

import (
	"context"

	"github.com/Wambui-N/f2s-sub002/internal/credentials"
)

// callWithAuthRetry runs a provider call under a fresh credential. When the
// provider rejects the token anyway (expiry raced the skew window), it forces
// exactly one refresh and retries once; it never loops.
func callWithAuthRetry(
	ctx context.Context,
	tokens TokenProvider,
	userID string,
	provider credentials.Provider,
	do func(credential credentials.Credential) error,
) error {
	credential, err := tokens.EnsureFresh(ctx, userID, provider)
	if err != nil {
		return err
	}
	err = do(credential)
	if err == nil || !IsAuthError(err) {
		return err
	}
	credential, refreshErr := tokens.ForceRefresh(ctx, userID, provider)
	if refreshErr != nil {
		return refreshErr
	}
	return do(credential)
}
