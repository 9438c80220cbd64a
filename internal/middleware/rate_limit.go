package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	appctx "github.com/Abhilash1575/virtual-lab/internal/context"
)

// RateLimiter implements a simple in-memory sliding window rate limiter
type RateLimiter struct {
	mu       sync.RWMutex
	requests map[string][]time.Time
	limit    int           // Max requests
	window   time.Duration // Time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	requests := rl.requests[key]

	var validRequests []time.Time
	for _, t := range requests {
		if t.After(windowStart) {
			validRequests = append(validRequests, t)
		}
	}

	if len(validRequests) >= rl.limit {
		rl.requests[key] = validRequests
		return false
	}

	validRequests = append(validRequests, now)
	rl.requests[key] = validRequests

	return true
}

// Remaining returns the number of remaining requests for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	count := 0
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			count++
		}
	}

	remaining := rl.limit - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset returns the time when the rate limit resets
func (rl *RateLimiter) Reset(key string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	requests := rl.requests[key]
	if len(requests) == 0 {
		return time.Now()
	}

	oldest := requests[0]
	for _, t := range requests {
		if t.Before(oldest) {
			oldest = t
		}
	}

	return oldest.Add(rl.window)
}

// cleanup periodically removes old entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		windowStart := now.Add(-rl.window)

		for key, requests := range rl.requests {
			var validRequests []time.Time
			for _, t := range requests {
				if t.After(windowStart) {
					validRequests = append(validRequests, t)
				}
			}
			if len(validRequests) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = validRequests
			}
		}
		rl.mu.Unlock()
	}
}

// FlashRateLimiter bounds how often a user can start firmware flashes.
// Each flash ties up the board exclusively, so a runaway client spamming
// flash requests would starve its own session and hammer the device.
type FlashRateLimiter struct {
	limiter *RateLimiter
	limit   int
}

// NewFlashRateLimiter creates a rate limiter for flash requests.
// Default: 10 flashes per user per minute.
func NewFlashRateLimiter() *FlashRateLimiter {
	return &FlashRateLimiter{
		limiter: NewRateLimiter(10, time.Minute),
		limit:   10,
	}
}

// RateLimitFlash creates middleware that rate limits flash requests per user
func (rl *FlashRateLimiter) RateLimitFlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := appctx.ExtractUserID(r.Context())
		if !ok {
			// Let the auth middleware handle missing identity
			next.ServeHTTP(w, r)
			return
		}

		resetTime := rl.limiter.Reset(userID)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

		if !rl.limiter.Allow(userID) {
			writeRateLimitError(w, resetTime)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.limiter.Remaining(userID)))

		next.ServeHTTP(w, r)
	})
}

// writeRateLimitError writes a 429 Too Many Requests response
func writeRateLimitError(w http.ResponseWriter, resetTime time.Time) {
	retryAfter := resetTime.Unix() - time.Now().Unix()
	if retryAfter < 0 {
		retryAfter = 0
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    "TOO_MANY_REQUESTS",
			"message": "Rate limit exceeded. Please try again later.",
			"details": map[string]interface{}{
				"retry_after": retryAfter,
			},
		},
		"timestamp": time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
