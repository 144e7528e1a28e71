// Package ratelimit gates relay requests with a per-user cooldown and a
// per-scope sliding-window request counter.
package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Window is the trailing duration counted by CheckServerLimit.
const Window = time.Minute

// Config holds limiter thresholds.
type Config struct {
	CooldownSeconds    int
	RateLimitPerMinute int
}

// DefaultConfig returns a 5 second cooldown and 10 requests per minute per scope.
func DefaultConfig() Config {
	return Config{CooldownSeconds: 5, RateLimitPerMinute: 10}
}

// CooldownResult is the outcome of CheckUserCooldown.
type CooldownResult struct {
	OnCooldown       bool
	RemainingSeconds float64
}

// ScopeResult is the outcome of CheckServerLimit.
type ScopeResult struct {
	Limited bool
	ResetIn float64
	Limit   int
}

// Stats is a diagnostic snapshot of tracked keys.
type Stats struct {
	TrackedUsers  int `json:"tracked_users"`
	TrackedScopes int `json:"tracked_scopes"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for administrative resets.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Limiter tracks cooldown expirations per user and recent request timestamps
// per scope. A single mutex makes every check one atomic read-modify-write.
type Limiter struct {
	cooldown time.Duration
	perMin   int
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	windows   map[string][]time.Time
}

// New creates a Limiter. Negative cooldowns are treated as zero and a
// non-positive per-minute ceiling falls back to the default.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.CooldownSeconds < 0 {
		cfg.CooldownSeconds = 0
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultConfig().RateLimitPerMinute
	}
	l := &Limiter{
		cooldown:  time.Duration(cfg.CooldownSeconds) * time.Second,
		perMin:    cfg.RateLimitPerMinute,
		now:       time.Now,
		logger:    slog.Default(),
		cooldowns: make(map[string]time.Time),
		windows:   make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the per-scope requests-per-minute ceiling.
func (l *Limiter) Limit() int {
	return l.perMin
}

// CheckUserCooldown reports whether the user is still cooling down. A
// permitted check arms a new cooldown; a rejected one leaves it untouched.
func (l *Limiter) CheckUserCooldown(userID string) CooldownResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.cooldowns[userID]; ok && now.Before(exp) {
		return CooldownResult{
			OnCooldown:       true,
			RemainingSeconds: roundTenths(exp.Sub(now)),
		}
	}
	l.cooldowns[userID] = now.Add(l.cooldown)
	return CooldownResult{}
}

// CheckServerLimit counts requests for scopeID over the trailing Window. When
// the ceiling is reached the attempt is rejected and not recorded.
func (l *Limiter) CheckServerLimit(scopeID string) ScopeResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := prune(l.windows[scopeID], now)

	if len(recent) >= l.perMin {
		l.windows[scopeID] = recent
		return ScopeResult{
			Limited: true,
			ResetIn: roundTenths(recent[0].Add(Window).Sub(now)),
			Limit:   l.perMin,
		}
	}
	l.windows[scopeID] = append(recent, now)
	return ScopeResult{}
}

// ResetUserCooldown clears one user's cooldown.
func (l *Limiter) ResetUserCooldown(userID string) {
	l.mu.Lock()
	delete(l.cooldowns, userID)
	l.mu.Unlock()

	l.logger.Info("reset cooldown", "user_id", userID)
}

// ClearAll drops every cooldown and window.
func (l *Limiter) ClearAll() {
	l.mu.Lock()
	l.cooldowns = make(map[string]time.Time)
	l.windows = make(map[string][]time.Time)
	l.mu.Unlock()

	l.logger.Info("cleared all rate limits")
}

// Stats reports how many users and scopes currently hold state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{TrackedUsers: len(l.cooldowns), TrackedScopes: len(l.windows)}
}

// EvictIdle drops cooldowns that expired more than maxIdle ago and scopes with
// no request inside Window+maxIdle. It returns the number of keys removed.
func (l *Limiter) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for userID, exp := range l.cooldowns {
		if now.Sub(exp) > maxIdle {
			delete(l.cooldowns, userID)
			removed++
		}
	}
	for scopeID, ts := range l.windows {
		if len(ts) == 0 || now.Sub(ts[len(ts)-1]) > Window+maxIdle {
			delete(l.windows, scopeID)
			removed++
		}
	}
	return removed
}

// prune drops timestamps that are at least Window old. The slice is ordered,
// so the retained entries are a suffix.
func prune(ts []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= Window {
		i++
	}
	if i == 0 {
		return ts
	}
	kept := make([]time.Time, len(ts)-i, len(ts)-i+1)
	copy(kept, ts[i:])
	return kept
}

func roundTenths(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
