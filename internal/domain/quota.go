package domain

import (
	"fmt"
	"time"
)

// Category is a canonical bucket of semantically equivalent actions sharing
// one quota.
type Category string

const (
	CategoryGeneration Category = "generation"
	CategoryRefinement Category = "refinement"
	CategoryExport     Category = "export"
)

// Categories is the closed set of quota categories. A new action type must be
// mapped onto one of these.
var Categories = []Category{CategoryGeneration, CategoryRefinement, CategoryExport}

// Known reports whether c belongs to the closed category set.
func (c Category) Known() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// LimitSpec is the maximum number of units per fixed window.
type LimitSpec struct {
	Max    int64
	Window time.Duration
}

// Validate rejects limits that can never admit anything or have no window.
func (l LimitSpec) Validate() error {
	if l.Max <= 0 {
		return fmt.Errorf("limit max must be positive, got %d", l.Max)
	}
	if l.Window < time.Second {
		return fmt.Errorf("limit window must be at least 1s, got %s", l.Window)
	}
	return nil
}

// RateDecision is the per-call outcome of a quota check or consume.
// It is never persisted.
type RateDecision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Category  Category  `json:"category"`
	// Degraded is set when the decision was granted by a fail-open policy
	// because the quota store was unreachable.
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfter is how long a denied caller should wait, relative to now.
func (d RateDecision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
