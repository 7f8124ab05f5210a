// Package limits guards connection admission with token-bucket rate
// limiting at two levels: per user (one noisy client cannot flood
// reconnects) and global (the process cannot be overwhelmed by many
// clients reconnecting at once).
package limits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AdmissionLimiter rate-limits connection attempts using token buckets
// (golang.org/x/time/rate). Idle per-user limiters are dropped by a
// background cleanup loop after a TTL.
type AdmissionLimiter struct {
	mu           sync.Mutex
	userLimiters map[string]*userLimiterEntry
	userBurst    int
	userRate     float64
	userTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

type userLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AdmissionConfig holds limiter settings. Zero values get defaults:
// 5 burst / 1 conn/sec per user with a 5 minute TTL, 300 burst /
// 50 conn/sec globally.
type AdmissionConfig struct {
	UserBurst   int
	UserRate    float64
	UserTTL     time.Duration
	GlobalBurst int
	GlobalRate  float64
}

// NewAdmissionLimiter creates a limiter and starts its cleanup loop.
func NewAdmissionLimiter(cfg AdmissionConfig, logger zerolog.Logger) *AdmissionLimiter {
	if cfg.UserBurst == 0 {
		cfg.UserBurst = 5
	}
	if cfg.UserRate == 0 {
		cfg.UserRate = 1.0
	}
	if cfg.UserTTL == 0 {
		cfg.UserTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &AdmissionLimiter{
		userLimiters:  make(map[string]*userLimiterEntry),
		userBurst:     cfg.UserBurst,
		userRate:      cfg.UserRate,
		userTTL:       cfg.UserTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        logger.With().Str("component", "admission_limiter").Logger(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go l.cleanupLoop(ctx)
	return l
}

// Allow reports whether a connection attempt by userID may proceed. The
// global bucket is checked first, then the per-user bucket.
func (l *AdmissionLimiter) Allow(userID string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("user_id", userID).Msg("Connection rejected: global rate limit")
		return false
	}
	if !l.userLimiter(userID).Allow() {
		l.logger.Debug().Str("user_id", userID).Msg("Connection rejected: per-user rate limit")
		return false
	}
	return true
}

func (l *AdmissionLimiter) userLimiter(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.userLimiters[userID]
	if !ok {
		entry = &userLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.userRate), l.userBurst),
		}
		l.userLimiters[userID] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *AdmissionLimiter) cleanupLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *AdmissionLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for userID, entry := range l.userLimiters {
		if now.Sub(entry.lastAccess) > l.userTTL {
			delete(l.userLimiters, userID)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.userLimiters)).
			Msg("Cleaned up stale user limiters")
	}
}

// TrackedUsers returns the number of per-user limiters held.
func (l *AdmissionLimiter) TrackedUsers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.userLimiters)
}

// Stop terminates the cleanup loop.
func (l *AdmissionLimiter) Stop() {
	l.cancel()
	<-l.done
}
