package limiter

import (
	"github.com/23skdu/raysync/internal/metrics"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config holds session admission configuration
type Config struct {
	RPS   int `envconfig:"ACCEPT_RATE_LIMIT_RPS" default:"0"`   // 0 means disabled
	Burst int `envconfig:"ACCEPT_RATE_LIMIT_BURST" default:"0"` // 0 means use RPS
}

// SessionLimiter admits new streams on a fixed set of gRPC methods through a
// token bucket. Streams on any other method, such as health watches, pass
// through without spending a token.
type SessionLimiter struct {
	bucket  *rate.Limiter
	methods map[string]struct{}
}

// NewSessionLimiter limits the given full method names. A non-positive RPS
// disables the limiter.
func NewSessionLimiter(cfg Config, methods ...string) *SessionLimiter {
	l := &SessionLimiter{methods: make(map[string]struct{}, len(methods))}
	for _, m := range methods {
		l.methods[m] = struct{}{}
	}
	if cfg.RPS <= 0 {
		return l
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	l.bucket = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	return l
}

// Enabled reports whether admission is limited at all.
func (l *SessionLimiter) Enabled() bool {
	return l.bucket != nil
}

// Limits reports whether streams on method are subject to admission.
func (l *SessionLimiter) Limits(method string) bool {
	_, ok := l.methods[method]
	return l.Enabled() && ok
}

// Admit takes a token for a new stream on method. It never waits: sync
// sessions carry no deadline, so a reconnect storm is pushed back to the
// followers' backoff instead of parking on the server.
func (l *SessionLimiter) Admit(method string) error {
	if !l.Limits(method) {
		return nil
	}
	if !l.bucket.Allow() {
		metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
		return status.Errorf(codes.ResourceExhausted, "session rate limit exceeded for %s", method)
	}
	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	return nil
}

// StreamInterceptor rejects limited streams with ResourceExhausted once the
// bucket is empty.
func (l *SessionLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := l.Admit(info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
