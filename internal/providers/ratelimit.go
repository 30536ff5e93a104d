package providers

import (
	"golang.org/x/time/rate"
)

// Per-user API quotas differ per Google service; these sit well below the
// published limits so a burst of submissions cannot trip a quota.
var defaultRateLimits = map[string]rate.Limit{
	"sheets":   rate.Limit(5.0),
	"calendar": rate.Limit(5.0),
	"drive":    rate.Limit(8.0),
}

const defaultBurst = 10

func newLimiter(service string) *rate.Limiter {
	limit, ok := defaultRateLimits[service]
	if !ok {
		limit = rate.Limit(5.0)
	}
	return rate.NewLimiter(limit, defaultBurst)
}
