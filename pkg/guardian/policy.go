package guardian

import (
	"math"
	"time"

	"github.com/psantana5/memguard/pkg/config"
)

// AttemptRecord is one restart attempt, kept for attempt-window accounting
// and surfaced read-only through the status API.
type AttemptRecord struct {
	Timestamp       time.Time     `json:"timestamp"`
	AttemptNumber   int           `json:"attempt_number"`
	CooldownApplied time.Duration `json:"cooldown_applied"`
	Reason          string        `json:"reason"`
}

// Cooldown computes the mandatory wait before restart attempt n (1-based):
// min(initial * multiplier^(n-1), max).
func Cooldown(p config.RestartPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return minDuration(p.InitialCooldown, p.MaxCooldown)
	}
	cooldown := float64(p.InitialCooldown) * math.Pow(p.CooldownMultiplier, float64(attempt-1))
	if cooldown > float64(p.MaxCooldown) {
		return p.MaxCooldown
	}
	return time.Duration(cooldown)
}

// restartHistory tracks attempts inside the sliding window. Callers hold
// the guardian mutex; no locking here.
type restartHistory struct {
	policy  config.RestartPolicy
	records []AttemptRecord
}

func newRestartHistory(policy config.RestartPolicy) *restartHistory {
	return &restartHistory{policy: policy}
}

// prune drops records older than the attempt window
func (h *restartHistory) prune(now time.Time) {
	cutoff := now.Add(-h.policy.AttemptWindow)
	kept := h.records[:0]
	for _, rec := range h.records {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	h.records = kept
}

// countInWindow returns attempts inside the window ending at now
func (h *restartHistory) countInWindow(now time.Time) int {
	h.prune(now)
	return len(h.records)
}

// append records a completed attempt
func (h *restartHistory) append(rec AttemptRecord) {
	h.records = append(h.records, rec)
}

// snapshot returns a copy of the current records
func (h *restartHistory) snapshot() []AttemptRecord {
	out := make([]AttemptRecord, len(h.records))
	copy(out, h.records)
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
