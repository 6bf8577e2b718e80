package api

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// auth enforces API key authentication on everything except /health
// and /metrics. With no keys configured the API runs open; startup
// logs a warning.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.deps.Config.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing authentication, provide Authorization: Bearer <key> or X-API-Key header")
			return
		}
		if !s.deps.Config.ValidateAPIKey(key) {
			s.logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenBucket is a per-IP bucket for HTTP admission control. This is
// transport self-protection, separate from the provider quota limiter
// in internal/ratelimit.
type tokenBucket struct {
	tokens    float64
	maxTokens float64
	lastTime  time.Time
}

func (b *tokenBucket) allow(rate float64) bool {
	now := time.Now()
	b.tokens += now.Sub(b.lastTime).Seconds() * rate
	b.lastTime = now
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (s *Server) httpRateLimit(next http.Handler, requestsPerSecond int) http.Handler {
	var mu sync.Mutex
	buckets := make(map[string]*tokenBucket)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
			mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, bucket := range buckets {
				if bucket.lastTime.Before(cutoff) {
					delete(buckets, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}

		mu.Lock()
		bucket, ok := buckets[ip]
		if !ok {
			bucket = &tokenBucket{
				tokens:    float64(requestsPerSecond),
				maxTokens: float64(requestsPerSecond * 2),
				lastTime:  time.Now(),
			}
			buckets[ip] = bucket
		}
		allowed := bucket.allow(float64(requestsPerSecond))
		mu.Unlock()

		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
