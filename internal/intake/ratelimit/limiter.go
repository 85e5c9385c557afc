// Package ratelimit bounds how many submissions a client may make in a time window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/surveyor/intake/internal/common/constants"
)

// Policy is a fixed window admission policy: at most MaxPerWindow admissions per key per Window.
type Policy struct {
	MaxPerWindow int
	Window       time.Duration
}

// DefaultPolicy is the policy used when none is configured.
var DefaultPolicy = Policy{
	MaxPerWindow: constants.DefaultMaxPerWindow,
	Window:       constants.DefaultWindow,
}

// Validate reports whether the policy can admit anything at all.
func (p Policy) Validate() error {
	if p.MaxPerWindow <= 0 {
		return fmt.Errorf("max per window must be positive, got %d", p.MaxPerWindow)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

// PolicyProvider returns the policy to apply to windows opened from now on.
type PolicyProvider interface {
	RateLimitPolicy() Policy
}

// StaticPolicy is a PolicyProvider that never changes.
type StaticPolicy Policy

// RateLimitPolicy implements PolicyProvider.
func (p StaticPolicy) RateLimitPolicy() Policy {
	return Policy(p)
}

// Limiter admits or rejects one attempt for a client key.
//
// TryConsume reports true and counts the attempt when the key is still within its window
// budget. A rejected attempt is not counted.
type Limiter interface {
	TryConsume(ctx context.Context, key string) (bool, error)
}
