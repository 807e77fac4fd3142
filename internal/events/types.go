package events

// Event types appended by the engine. The replay checker keys its ordering
// preconditions off these names, so they are part of the on-disk contract.
const (
	TypeTaskCreated        = "task.created"
	TypeTaskCriticPassed   = "task.critic_passed"
	TypeTaskFrozen         = "task.frozen"
	TypeTaskPlanApproved   = "task.plan_approved"
	TypeTaskBlocked        = "task.blocked"
	TypeTaskClosed         = "task.closed"
	TypeSliceAttemptStart  = "slice.attempt.started"
	TypeSliceBlocked       = "slice.blocked"
	TypeSliceCompleted     = "slice.completed"
	TypeCommandCompleted   = "command.completed"
	TypeGatePassed         = "gate.passed"
	TypeGateFailed         = "gate.failed"
	TypeProofPackWritten   = "proof.pack.written"
	TypeReviewRecorded     = "review.recorded"
	TypeAcceptanceRecorded = "acceptance.recorded"
	TypeReadyValidated     = "ready.validated"
	TypeReadyApproved      = "ready.approved"
	TypeRetroCompleted     = "retro.completed"
	TypeIncidentRecorded   = "incident.recorded"
)
