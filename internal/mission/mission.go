package mission

import (
	"time"
)

// State is a mission's scheduling state.
type State string

const (
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateCheckpointed State = "checkpointed"
	StatePreempted    State = "preempted"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
)

// Terminal returns whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// validTransitions is the mission state machine. Running -> Checkpointed is
// the preemption path (a checkpoint write precedes requeueing); Running ->
// Preempted is the budget-drop path. Both preserve CurrentEpoch.
var validTransitions = map[State][]State{
	StateQueued:       {StateRunning, StateAborted},
	StateRunning:      {StateCheckpointed, StatePreempted, StateCompleted, StateAborted},
	StateCheckpointed: {StateQueued},
	StatePreempted:    {StateQueued},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Mission is a unit of prioritized, checkpointable compute work.
type Mission struct {
	ID                     string     `json:"id"`
	Title                  string     `json:"title"`
	Domain                 string     `json:"domain"`
	ValueScore             int        `json:"value_score"`
	ResourceRequirementPct int        `json:"resource_requirement_percent"`
	Deadline               *time.Time `json:"deadline,omitempty"`
	State                  State      `json:"state"`
	CurrentEpoch           int        `json:"current_epoch"`
	TotalEpochs            int        `json:"total_epochs"`
	LastCheckpointRef      string     `json:"last_checkpoint_ref,omitempty"`
	AbortReason            string     `json:"abort_reason,omitempty"`
	CancelRequested        bool       `json:"cancel_requested"`
	SubmittedAt            time.Time  `json:"submitted_at"`
}

// DeadlineExceeded reports whether the mission's optional deadline has
// passed. Deadline misses are observed at epoch boundaries only.
func (m *Mission) DeadlineExceeded(now time.Time) bool {
	return m.Deadline != nil && now.After(*m.Deadline)
}
