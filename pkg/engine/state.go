// Package engine drives credential rotation: the coordinator state
// machine, per-identity locking, and the grace retention janitor.
package engine

// State represents where one rotation attempt sits in its protocol.
type State string

const (
	// StateIdle indicates no rotation is in progress.
	StateIdle State = "idle"

	// StateGenerating indicates new material is being generated. No
	// stored record has been touched yet.
	StateGenerating State = "generating"

	// StateSwapping indicates the candidate record is being committed
	// against the store.
	StateSwapping State = "swapping"

	// StateCommitted indicates the new generation is active.
	StateCommitted State = "committed"

	// StateRollingBack indicates post-commit verification failed and
	// the previous generation is being restored.
	StateRollingBack State = "rolling_back"

	// StateFailed indicates the attempt ended without a serving
	// credential change, or with a rollback.
	StateFailed State = "failed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if the attempt has finished.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateFailed
}

// ValidTransitions defines allowed attempt transitions. Generation
// and commit failures go straight to failed; a committed attempt only
// leaves that state when verification forces a rollback.
var ValidTransitions = map[State][]State{
	StateIdle:        {StateGenerating},
	StateGenerating:  {StateSwapping, StateFailed},
	StateSwapping:    {StateCommitted, StateFailed},
	StateCommitted:   {StateRollingBack},
	StateRollingBack: {StateFailed},
	StateFailed:      {},
}

// CanTransitionTo checks if a transition from the current state is
// valid.
func (s State) CanTransitionTo(newState State) bool {
	validStates, ok := ValidTransitions[s]
	if !ok {
		return false
	}
	for _, valid := range validStates {
		if valid == newState {
			return true
		}
	}
	return false
}
