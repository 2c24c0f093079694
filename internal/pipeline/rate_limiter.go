package pipeline

import (
	"sync"
	"time"
)

// eventsPerMinute caps behavioral-event ingestion per connection. The
// simulated detectors report every few seconds; anything past this is a
// stuck client or abuse.
const eventsPerMinute = 120

// RateLimiter tracks a fixed-window event budget per connection.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
	}
}

// Allow reports whether connID may ingest another event this minute.
func (rl *RateLimiter) Allow(connID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	window, exists := rl.clients[connID]
	if !exists {
		rl.clients[connID] = &clientWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(window.windowStart) >= time.Minute {
		window.count = 1
		window.windowStart = now
		return true
	}

	if window.count >= eventsPerMinute {
		return false
	}

	window.count++
	return true
}

// Cleanup drops windows idle for over five minutes. Called periodically
// so disconnected clients don't accumulate.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for connID, window := range rl.clients {
		if now.Sub(window.windowStart) > 5*time.Minute {
			delete(rl.clients, connID)
		}
	}
}
