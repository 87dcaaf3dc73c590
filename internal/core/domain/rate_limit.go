package domain

import (
	"math"
	"time"
)

// RateLimitClass configures a fixed-window admission rule. A zero BlockDuration
// disables lockout escalation for the class.
type RateLimitClass struct {
	Name          string
	Window        time.Duration
	MaxRequests   int
	BlockDuration time.Duration
}

// WindowState is the counter snapshot returned by a window increment.
type WindowState struct {
	Count       int
	WindowStart time.Time
}

// RateLimitDecision is the outcome of an admission check. Degraded marks a
// fail-open admission made while the store was unavailable.
type RateLimitDecision struct {
	Allowed    bool
	Blocked    bool
	Degraded   bool
	Class      string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the retry hint up to whole seconds.
func (d RateLimitDecision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}
