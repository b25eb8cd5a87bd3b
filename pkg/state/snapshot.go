package state

import (
	"time"

	"github.com/psantana5/memguard/pkg/conversation"
)

// SchemaVersion is the snapshot wire format version. Restore refuses
// snapshots written by an incompatible guardian.
const SchemaVersion = 1

// ProcessInfo is the slice of process state that survives a restart
type ProcessInfo struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}

// Snapshot is a persisted capture of combined process and conversation state
// at one point in time. Immutable once created; later captures supersede it.
type Snapshot struct {
	StateID       string                `json:"state_id"`
	Timestamp     time.Time             `json:"timestamp"`
	SchemaVersion int                   `json:"schema_version"`
	Process       ProcessInfo           `json:"process"`
	Conversation  *conversation.Context `json:"conversation"`
	CaptureReason string                `json:"capture_reason"`
}
