package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorTTL = 5 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter applies a token bucket per client address. A zero rate disables
// limiting.
type rateLimiter struct {
	perSecond rate.Limit
	burst     int
	trusted   map[string]struct{}

	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
}

func newRateLimiter(perSecond float64, burst int, trustedProxies []string) *rateLimiter {
	trusted := make(map[string]struct{}, len(trustedProxies))
	for _, proxy := range trustedProxies {
		if ip := net.ParseIP(strings.TrimSpace(proxy)); ip != nil {
			trusted[ip.String()] = struct{}{}
		}
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		trusted:   trusted,
		visitors:  make(map[string]*visitor),
		clockNow:  time.Now,
	}
}

func (l *rateLimiter) allow(r *http.Request) bool {
	if l == nil || l.perSecond <= 0 {
		return true
	}
	now := l.clockNow()
	source := l.clientSource(r)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, key)
		}
	}
	v, ok := l.visitors[source]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[source] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientSource returns the peer address, honouring X-Forwarded-For only when
// the direct peer is a trusted proxy.
func (l *rateLimiter) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if _, ok := l.trusted[host]; ok {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	if host == "" {
		return "unknown"
	}
	return host
}
