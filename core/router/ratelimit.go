package router

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-client, per-minute call ceiling. The window is
// fixed: a background ticker clears every client's counter together, not a
// sliding window.
type rateLimiter struct {
	mu       sync.Mutex
	counts   map[string]int
	ceiling  int
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRateLimiter(ceiling int, interval time.Duration) *rateLimiter {
	if ceiling <= 0 {
		ceiling = 100
	}
	if interval <= 0 {
		interval = time.Minute
	}
	r := &rateLimiter{
		counts:   make(map[string]int),
		ceiling:  ceiling,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	go r.resetLoop()
	return r
}

// allow increments the client's counter and reports whether the call is
// within the ceiling. The check and increment are one critical section so
// concurrent calls cannot both sneak under the limit.
func (r *rateLimiter) allow(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts[clientID] >= r.ceiling {
		return false
	}
	r.counts[clientID]++
	return true
}

func (r *rateLimiter) resetLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reset()
		case <-r.stopCh:
			return
		}
	}
}

func (r *rateLimiter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[string]int)
}

func (r *rateLimiter) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}
