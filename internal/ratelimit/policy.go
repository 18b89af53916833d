// Package ratelimit implements fixed-window counters shared through Redis,
// with a process-local mirror in front of them.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Scope string

const (
	Standard     Scope = "standard"
	FastPath     Scope = "fast-path"
	TempCreation Scope = "temp"
)

// Policy describes one named limit.
//
// When BurstWindow is non-zero and the same key was last seen less than
// BurstWindow ago, the effective limit becomes Limit*BurstMultiplier.
type Policy struct {
	Limit           int
	Window          time.Duration
	BurstWindow     time.Duration
	BurstMultiplier float64

	// FailClosed rejects checks when the shared counter is unreachable.
	FailClosed bool
	// Local decides from the process-local mirror and reconciles with the
	// shared counter in the background.
	Local bool
}

func (p Policy) effectiveLimit(burst bool) int {
	if burst && p.BurstMultiplier > 1 {
		return int(math.Floor(float64(p.Limit) * p.BurstMultiplier))
	}
	return p.Limit
}

func (p Policy) maxLimit() int {
	return p.effectiveLimit(p.BurstWindow > 0)
}

type Decision struct {
	Scope       Scope
	Admitted    bool
	Limit       int
	Remaining   int
	ResetAt     time.Time
	BurstActive bool
}

// Err returns an *ExceededError for a rejected decision and nil otherwise.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	retry := time.Until(d.ResetAt)
	if retry < 0 {
		retry = 0
	}
	return &ExceededError{Scope: d.Scope, RetryAfter: retry}
}

var (
	ErrBackendUnavailable = errors.New("ratelimit: counter backend unavailable")
	ErrUnknownScope       = errors.New("ratelimit: unknown scope")
)

type ExceededError struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("ratelimit: %s limit exceeded, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

func remaining(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}
