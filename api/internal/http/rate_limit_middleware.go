package httpx

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts attempts per key in fixed windows. Rejected attempts
// count too, so a client hammering a closed window stays closed.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type rateState struct {
	count     int
	windowEnd time.Time
}

// memoryRateLimiter backs a single replica when Redis is unreachable.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]rateState
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns a process-local limiter. Expired windows are
// dropped while serving Allow; there is no background goroutine.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{windows: make(map[string]rateState), now: now}
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.nextSweep) {
		for k, st := range rl.windows {
			if !now.Before(st.windowEnd) {
				delete(rl.windows, k)
			}
		}
		rl.nextSweep = now.Add(rateLimiterSweepInterval)
	}

	state := rl.windows[key]
	if !now.Before(state.windowEnd) {
		state = rateState{windowEnd: now.Add(window)}
	}
	state.count++
	rl.windows[key] = state
	return rateDecision{allowed: state.count <= limit, count: state.count, windowEnd: state.windowEnd}
}

// streamSlots caps how many log streams one caller holds open at once.
type streamSlots struct {
	mu    sync.Mutex
	limit int
	open  map[string]int
}

func newStreamSlots(limit int) *streamSlots {
	return &streamSlots{limit: limit, open: make(map[string]int)}
}

// acquire takes a slot for caller. The returned release is safe to call twice.
func (s *streamSlots) acquire(caller string) (func(), bool) {
	if s == nil || s.limit <= 0 {
		return func() {}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[caller] >= s.limit {
		return nil, false
	}
	s.open[caller]++
	streamsOpen.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.open[caller]--; s.open[caller] <= 0 {
				delete(s.open, caller)
			}
			streamsOpen.Dec()
		})
	}, true
}

func (s *streamSlots) inUse(caller string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[caller]
}

// allow charges key against limit and writes 429 when the window is spent.
func (r *Router) allow(w http.ResponseWriter, req *http.Request, route, key string, limit int) bool {
	if limit <= 0 || r.limiter == nil {
		return true
	}
	decision := r.limiter.Allow(req.Context(), key, limit, rateWindowDefault)
	r.applyRateHeaders(w, limit, decision)
	if decision.allowed {
		return true
	}
	recordRateLimitHit(route, "window")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// admitStream applies both stream limits for deploymentID: reconnects are
// budgeted per caller and deployment, open streams per caller. The caller
// must run release once the stream ends.
func (r *Router) admitStream(w http.ResponseWriter, req *http.Request, route, deploymentID string) (func(), bool) {
	caller := callerKey(req)
	if !r.allow(w, req, route, "stream:"+caller+":"+deploymentID, r.rateLimitStream) {
		return nil, false
	}
	release, ok := r.streams.acquire(caller)
	if !ok {
		recordRateLimitHit(route, "concurrent")
		writeError(w, http.StatusTooManyRequests, "too many open log streams")
		return nil, false
	}
	return release, true
}

// callerKey identifies the authenticated user, falling back to the client address.
func callerKey(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return "ip:" + clientIP(req)
}
