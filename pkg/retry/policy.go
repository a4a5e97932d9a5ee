package retry

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures retries for the calls of one service.
type Policy struct {
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`

	// Multiplier grows the delay after every retry.
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"omitempty,gte=1"`

	// Jitter randomizes every delay by +/- this fraction.
	Jitter float64 `yaml:"jitter" json:"jitter" validate:"gte=0,lte=1"`

	// MaxInterval caps a single delay.
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval" validate:"gte=0"`

	// MaxAttempts bounds the number of calls, the first included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`

	// MaxElapsed bounds the total time spent retrying one call.
	MaxElapsed time.Duration `yaml:"max_elapsed" json:"max_elapsed" validate:"gte=0"`

	// TransientCodes are provider error codes retried in addition to the
	// built-in ones.
	TransientCodes []string `yaml:"transient_codes" json:"transient_codes,omitempty"`

	// Methods restricts retries to the named methods. Empty retries all.
	Methods []string `yaml:"methods" json:"methods,omitempty"`
}

// DefaultPolicy returns the policy used for services without one.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.25,
		MaxInterval: 30 * time.Second,
		MaxAttempts: 8,
		MaxElapsed:  5 * time.Minute,
	}
}

// WithDefaults fills unset fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}

// Validate checks the policy for values the backoff cannot work with.
func (p Policy) Validate() error {
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1, got %v", p.Jitter)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.MaxInterval > 0 && p.BaseDelay > p.MaxInterval {
		return fmt.Errorf("base delay %s exceeds max interval %s", p.BaseDelay, p.MaxInterval)
	}
	return nil
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxInterval
	return b
}
