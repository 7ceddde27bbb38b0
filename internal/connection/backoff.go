package connection

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultMultiplier   = 2.0
	DefaultJitter       = 0.2
)

// BackoffConfig shapes the delay between reconnect attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the delay randomly added or removed.
	Jitter float64
	// MaxAttempts bounds consecutive failed attempts; 0 means unbounded.
	MaxAttempts int
}

// Backoff produces exponentially growing, capped, jittered delays.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	rand    func() float64
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitialDelay
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxDelay
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = DefaultJitter
	}
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// Next returns the delay before the next attempt, or false once
// MaxAttempts is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}
	base := float64(b.cfg.Initial)
	for i := 0; i < b.attempt && base < float64(b.cfg.Max); i++ {
		base *= b.cfg.Multiplier
	}
	if base > float64(b.cfg.Max) {
		base = float64(b.cfg.Max)
	}
	b.attempt++

	// jitter in [-Jitter, +Jitter) of the base
	spread := base * b.cfg.Jitter
	delay := base - spread + 2*spread*b.rand()
	return time.Duration(delay), true
}

// Reset starts the sequence over. Called once a session is open.
func (b *Backoff) Reset() { b.attempt = 0 }

func (b *Backoff) Attempts() int { return b.attempt }
