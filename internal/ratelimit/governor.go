package ratelimit

import (
	"sync"
	"time"

	"github.com/devcell/devcell/internal/domain"
)

// Config bounds one keyed window.
type Config struct {
	Max      int   // requests allowed per window
	WindowMs int64 // window length in milliseconds
}

// Result reports one admission decision. Remaining and ResetAt are valid on
// both allowed and rejected outcomes so callers can surface limit headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

type window struct {
	start  time.Time
	length time.Duration
	count  int
}

// Governor admits requests under fixed-window counters keyed by caller
// identity. Windows reset fully at their boundary; there is no sliding
// credit across windows.
type Governor struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewGovernor() *Governor {
	return &Governor{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Check admits or rejects one request against the key's current window.
func (g *Governor) Check(key string, cfg Config) Result {
	if cfg.Max <= 0 || cfg.WindowMs <= 0 {
		// Misconfigured keys never throttle.
		return Result{Allowed: true, Limit: cfg.Max, Remaining: cfg.Max}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	length := time.Duration(cfg.WindowMs) * time.Millisecond
	w, ok := g.windows[key]
	if !ok || now.Sub(w.start) >= length {
		w = &window{start: now, length: length}
		g.windows[key] = w
	}
	resetAt := w.start.Add(w.length)

	if w.count >= cfg.Max {
		return Result{
			Allowed:    false,
			Limit:      cfg.Max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	w.count++
	return Result{
		Allowed:   true,
		Limit:     cfg.Max,
		Remaining: cfg.Max - w.count,
		ResetAt:   resetAt,
	}
}

// Rule pairs a key with its window configuration for composite checks.
type Rule struct {
	Key    string
	Config Config
}

// CheckAll admits a request only when every rule admits it. Rules are
// evaluated in order and evaluation stops at the first rejection, so later
// windows are not charged for a request an earlier window refused. The
// returned result is the rejection, or the most restrictive of the allowed
// results: fewest remaining, with the later reset winning a tie.
func (g *Governor) CheckAll(rules []Rule) Result {
	if len(rules) == 0 {
		return Result{Allowed: true}
	}
	var tightest Result
	for i, r := range rules {
		res := g.Check(r.Key, r.Config)
		if !res.Allowed {
			return res
		}
		if i == 0 || res.Remaining < tightest.Remaining ||
			(res.Remaining == tightest.Remaining && res.ResetAt.After(tightest.ResetAt)) {
			tightest = res
		}
	}
	return tightest
}

// Error renders a rejection as a domain error for transport layers.
func (r Result) Error() error {
	if r.Allowed {
		return nil
	}
	return domain.TooManyRequests("rate limit exceeded, retry in %s", r.RetryAfter.Round(time.Second))
}

// Sweep drops windows that ended before now, bounding memory for churning
// key sets.
func (g *Governor) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for key, w := range g.windows {
		if now.Sub(w.start) >= w.length {
			delete(g.windows, key)
			removed++
		}
	}
	return removed
}

// StartSweepLoop sweeps on the given interval until stop is closed.
func (g *Governor) StartSweepLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}
