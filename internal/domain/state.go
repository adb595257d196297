package domain

import "fmt"

type RunState string

const (
	StatePending    RunState = "PENDING"
	StateResolved   RunState = "RESOLVED"
	StateProfiled   RunState = "PROFILED"
	StateGenerated  RunState = "GENERATED"
	StateValidated  RunState = "VALIDATED"
	StateEvaluated  RunState = "EVALUATED"
	StateFinalized  RunState = "FINALIZED"
	StateRegistered RunState = "REGISTERED"
	StateFailed     RunState = "FAILED"
)

var forward = map[RunState]RunState{
	StatePending:   StateResolved,
	StateResolved:  StateProfiled,
	StateProfiled:  StateGenerated,
	StateGenerated: StateValidated,
	StateValidated: StateEvaluated,
	StateEvaluated: StateFinalized,
	StateFinalized: StateRegistered,
}

// Terminal reports whether no failure transition may leave s.
func (s RunState) Terminal() bool {
	return s == StateFinalized || s == StateRegistered || s == StateFailed
}

// Transition validates a state change. Only the next forward state is allowed,
// plus FAILED from any state before FINALIZED.
func Transition(from, to RunState) error {
	if to == StateFailed {
		if from.Terminal() {
			return fmt.Errorf("invalid run transition %s -> %s", from, to)
		}
		return nil
	}
	if next, ok := forward[from]; ok && next == to {
		return nil
	}
	return fmt.Errorf("invalid run transition %s -> %s", from, to)
}

// Stage names, used in logs, ledger events and StageError.
const (
	StageResolve  = "version_resolution"
	StageProfile  = "profiling"
	StageGenerate = "generation"
	StageIngest   = "ingestion"
	StageValidate = "validation"
	StageEvaluate = "evaluation"
	StageFinalize = "artifact_persistence"
	StageRegister = "registry_update"
)
