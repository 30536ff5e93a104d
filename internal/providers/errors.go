package providers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
)

// IsAuthError reports whether the provider rejected the access token. The
// caller gets exactly one refresh-and-retry cycle for these.
func IsAuthError(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized
	}
	return false
}

// IsRetryable reports whether the failure is transient: provider 5xx, rate
// limiting, network timeouts, or a transient token refresh failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, credentials.ErrRefreshTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}
	return false
}

// Classify maps a provider call failure onto the outcome taxonomy. Auth
// errors land here only after the single refresh-and-retry cycle failed, so
// they classify as permanent.
func Classify(err error) delivery.Result {
	switch {
	case err == nil:
		return delivery.ResultDelivered
	case errors.Is(err, credentials.ErrNotConnected):
		return delivery.ResultSkippedNoConnection
	case errors.Is(err, credentials.ErrRefreshRevoked):
		return delivery.ResultFailedPermanent
	case IsRetryable(err):
		return delivery.ResultFailedRetryable
	default:
		// 4xx other than auth: malformed request, deleted resource, revoked
		// scope. Retrying cannot fix these.
		return delivery.ResultFailedPermanent
	}
}
