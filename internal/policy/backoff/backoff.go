// Package backoff stretches check intervals for sites that keep failing.
package backoff

import (
	"math"
	"time"
)

// Defaults used when Config values are unset.
const (
	DefaultMultiplier = 2.0
	DefaultMaxFactor  = 8.0
)

// Config controls how quickly the interval grows and where it stops.
type Config struct {
	Multiplier float64
	MaxFactor  float64
}

// Policy computes min(interval * Multiplier^failures, interval * MaxFactor).
type Policy struct {
	multiplier float64
	maxFactor  float64
}

// New builds a Policy, filling in defaults for unset values.
func New(cfg Config) *Policy {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxFactor < 1 {
		cfg.MaxFactor = DefaultMaxFactor
	}
	return &Policy{multiplier: cfg.Multiplier, maxFactor: cfg.MaxFactor}
}

// Next returns the delay before the next check after the given number of
// consecutive failures. Zero failures yields the interval unchanged.
func (p *Policy) Next(interval time.Duration, failures int) time.Duration {
	if interval <= 0 || failures <= 0 {
		return interval
	}
	factor := math.Min(math.Pow(p.multiplier, float64(failures)), p.maxFactor)
	return time.Duration(float64(interval) * factor)
}

// MaxFactor reports the cap applied to the interval.
func (p *Policy) MaxFactor() float64 {
	return p.maxFactor
}
