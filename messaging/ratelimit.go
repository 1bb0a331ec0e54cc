package messaging

import "golang.org/x/time/rate"

// Limiter decides whether a connection may process another message.
type Limiter interface {
	Allow(conn *Connection) bool
}

// TokenBucketLimiter gives every connection its own token bucket.
type TokenBucketLimiter struct {
	limit rate.Limit
	burst int
}

// NewTokenBucketLimiter creates a limiter allowing perSecond messages with
// the given burst on each connection.
func NewTokenBucketLimiter(perSecond float64, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{limit: rate.Limit(perSecond), burst: burst}
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(conn *Connection) bool {
	return conn.rateLimiter(func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	}).Allow()
}
