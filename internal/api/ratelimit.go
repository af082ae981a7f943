package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 10000

// clientLimiter hands out one token bucket per client. The least recently
// seen clients are forgotten once maxTrackedClients is reached.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
}

// newClientLimiter returns nil when rps is not positive.
func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(math.Ceil(rps)))
	}
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &clientLimiter{limit: rate.Limit(rps), burst: burst, clients: clients}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(client)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients.Add(client, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// retryAfter is the time for one token to refill, in whole seconds.
func (l *clientLimiter) retryAfter() int {
	return max(1, int(math.Ceil(1/float64(l.limit))))
}

// rateLimit keys callers by API client id, or by remote IP when auth is off.
func (a *App) rateLimit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientIDFrom(r.Context())
		if client == "" {
			client = remoteIP(r)
		}
		if !a.limiter.allow(client) {
			a.metrics.IncRequestError("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(a.limiter.retryAfter()))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
