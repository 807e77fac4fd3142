// Package state enforces the task status machine. Slice statuses are not
// table-governed; the orchestrator sets them from gate results, with the one
// rule that a done slice is never revisited.
package state

import (
	"gateline/internal/domain"
)

var taskTransitions = map[string][]string{
	domain.TaskDraft:          {domain.TaskCriticPassed},
	domain.TaskCriticPassed:   {domain.TaskFrozen},
	domain.TaskFrozen:         {domain.TaskPlanApproved},
	domain.TaskPlanApproved:   {domain.TaskExecuting},
	domain.TaskExecuting:      {domain.TaskReadyValidated, domain.TaskBlocked},
	domain.TaskReadyValidated: {domain.TaskReadyApproved, domain.TaskBlocked},
	domain.TaskReadyApproved:  {domain.TaskRetroDone},
	domain.TaskBlocked:        {domain.TaskRetroDone},
	domain.TaskRetroDone:      {domain.TaskClosed},
	domain.TaskClosed:         {},
}

// CanTransition reports whether from -> to is a legal task transition.
// Same-state is not a transition and returns false.
func CanTransition(from, to string) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EnsureTransition returns a TransitionError unless from -> to is legal.
func EnsureTransition(from, to string) error {
	if !CanTransition(from, to) {
		return domain.TransitionError{From: from, To: to}
	}
	return nil
}

// Executable reports whether a slice attempt may run while the task holds
// this status.
func Executable(status string) bool {
	switch status {
	case domain.TaskPlanApproved, domain.TaskExecuting, domain.TaskReadyValidated:
		return true
	}
	return false
}

// Statuses returns every known task status, in lifecycle order.
func Statuses() []string {
	return []string{
		domain.TaskDraft,
		domain.TaskCriticPassed,
		domain.TaskFrozen,
		domain.TaskPlanApproved,
		domain.TaskExecuting,
		domain.TaskReadyValidated,
		domain.TaskReadyApproved,
		domain.TaskBlocked,
		domain.TaskRetroDone,
		domain.TaskClosed,
	}
}
