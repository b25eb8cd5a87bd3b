package guardian

import (
	"time"

	"github.com/psantana5/memguard/pkg/config"
)

// MemoryState classifies current memory usage against the thresholds
type MemoryState string

const (
	StateNormal    MemoryState = "NORMAL"
	StateWarning   MemoryState = "WARNING"
	StateCritical  MemoryState = "CRITICAL"
	StateEmergency MemoryState = "EMERGENCY"

	// StateDegraded is the terminal guardian state after restart exhaustion.
	// It is not a memory classification; sampling keeps running but no
	// further automatic restart is attempted.
	StateDegraded MemoryState = "DEGRADED"
)

// severity orders classification tiers for trigger comparisons
func severity(s MemoryState) int {
	switch s {
	case StateWarning:
		return 1
	case StateCritical:
		return 2
	case StateEmergency:
		return 3
	default:
		return 0
	}
}

// Classify maps a sample in MB onto a classification tier. Transitions move
// both up and down as the sample changes.
func Classify(sampleMB int64, t config.Thresholds) MemoryState {
	switch {
	case sampleMB >= t.EmergencyMB:
		return StateEmergency
	case sampleMB >= t.CriticalMB:
		return StateCritical
	case sampleMB >= t.WarningMB:
		return StateWarning
	default:
		return StateNormal
	}
}

// sampleInterval returns the loop cadence for a classification tier;
// the cadence tightens as severity increases.
func sampleInterval(s MemoryState, m config.Monitoring) time.Duration {
	switch s {
	case StateCritical, StateEmergency:
		return m.CriticalInterval
	case StateWarning:
		return m.WarningInterval
	default:
		return m.NormalInterval
	}
}
