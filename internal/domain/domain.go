package domain

import (
	"fmt"
	"time"
)

// EngineVersion is stamped into every event envelope.
const EngineVersion = "0.4.0"

// Task statuses. Transitions between them are governed by the state package.
const (
	TaskDraft          = "draft"
	TaskCriticPassed   = "critic_passed"
	TaskFrozen         = "frozen"
	TaskPlanApproved   = "plan_approved"
	TaskExecuting      = "executing"
	TaskReadyValidated = "ready_validated"
	TaskReadyApproved  = "ready_approved"
	TaskBlocked        = "blocked"
	TaskRetroDone      = "retro_done"
	TaskClosed         = "closed"
)

// Slice statuses. Any gate result may set any status, except that a slice
// marked done is never revisited.
const (
	SlicePending      = "pending"
	SliceRunning      = "running"
	SliceGateFailed   = "gate_failed"
	SliceReviewFailed = "review_failed"
	SliceBlocked      = "blocked"
	SliceDone         = "done"
)

// Gate names as they appear in required_gates and proof filenames.
const (
	GateScope  = "scope"
	GateVerify = "verify"
	GateReview = "review"
	GateE2E    = "e2e"
	GateReady  = "ready"
)

type Task struct {
	ID            string                `json:"id"`
	MissionID     *string               `json:"mission_id,omitempty"`
	ModuleID      string                `json:"module_id"`
	Title         string                `json:"title,omitempty"`
	Status        string                `json:"status" enum:"draft,critic_passed,frozen,plan_approved,executing,ready_validated,ready_approved,blocked,retro_done,closed"`
	BlockedReason *string               `json:"blocked_reason,omitempty"`
	Profile       string                `json:"profile"`
	MaxAttempts   int                   `json:"max_attempts"`
	Slices        map[string]SliceState `json:"slices"`
	CreatedAt     string                `json:"created_at" format:"date-time"`
	UpdatedAt     string                `json:"updated_at" format:"date-time"`
}

// NewTask builds a draft task with its required-field contract enforced.
func NewTask(id, moduleID, title, profile string, missionID string, maxAttempts int, now time.Time) (Task, error) {
	if id == "" {
		return Task{}, fmt.Errorf("task id is required")
	}
	if moduleID == "" {
		return Task{}, fmt.Errorf("module id is required")
	}
	if profile == "" {
		profile = "standard"
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	ts := now.UTC().Format(time.RFC3339)
	t := Task{
		ID:          id,
		ModuleID:    moduleID,
		Title:       title,
		Status:      TaskDraft,
		Profile:     profile,
		MaxAttempts: maxAttempts,
		Slices:      map[string]SliceState{},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if missionID != "" {
		t.MissionID = &missionID
	}
	return t, nil
}

// Validate is the schema contract for task.json read back from disk.
func (t Task) Validate() error {
	var missing []string
	if t.ID == "" {
		missing = append(missing, "id")
	}
	if t.ModuleID == "" {
		missing = append(missing, "module_id")
	}
	if t.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return SchemaValidationError{Kind: "task", Missing: missing}
	}
	return nil
}

// SliceSpec is one declared unit of execution in a task plan. It is frozen
// (content-hashed) together with the plan; edits after freeze are drift.
type SliceSpec struct {
	SliceID        string   `json:"slice_id"`
	AllowedPaths   []string `json:"allowed_paths"`
	RequiredGates  []string `json:"required_gates"`
	Deps           []string `json:"deps,omitempty"`
	VerifyCommands []string `json:"verify_commands,omitempty"`
	E2ECommands    []string `json:"e2e_commands,omitempty"`
	E2ERequired    bool     `json:"e2e_required,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
}

func (s SliceSpec) Validate() error {
	if s.SliceID == "" {
		return SchemaValidationError{Kind: "slice_spec", Missing: []string{"slice_id"}}
	}
	for _, g := range s.RequiredGates {
		switch g {
		case GateScope, GateVerify, GateReview:
		default:
			return SchemaValidationError{Kind: "slice_spec", Reason: fmt.Sprintf("slice %s: unknown required gate %q", s.SliceID, g)}
		}
	}
	return nil
}

// RequiresGate reports whether the named gate appears in required_gates.
func (s SliceSpec) RequiresGate(name string) bool {
	for _, g := range s.RequiredGates {
		if g == name {
			return true
		}
	}
	return false
}

// ValidateSliceSpecs checks every spec and that deps form a DAG over known
// slice ids, so a cyclic dependency fails at load time instead of
// deadlocking a retry loop.
func ValidateSliceSpecs(specs []SliceSpec) error {
	byID := make(map[string]SliceSpec, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := byID[s.SliceID]; dup {
			return SchemaValidationError{Kind: "slice_spec", Reason: fmt.Sprintf("duplicate slice id %s", s.SliceID)}
		}
		byID[s.SliceID] = s
	}
	for _, s := range specs {
		for _, d := range s.Deps {
			if _, ok := byID[d]; !ok {
				return ConfigurationError{Reason: fmt.Sprintf("slice %s depends on unknown slice %s", s.SliceID, d)}
			}
		}
	}
	// colors: 0 unvisited, 1 on stack, 2 done
	color := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case 1:
			return ConfigurationError{Reason: fmt.Sprintf("slice dependency cycle through %s", id)}
		case 2:
			return nil
		}
		color[id] = 1
		for _, d := range byID[id].Deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[id] = 2
		return nil
	}
	for _, s := range specs {
		if err := visit(s.SliceID); err != nil {
			return err
		}
	}
	return nil
}

type SliceState struct {
	Status      string `json:"status" enum:"pending,running,gate_failed,review_failed,blocked,done"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// Freeze is the content snapshot taken after critic review. It is never
// deleted; a later edit to plan or slices invalidates it via hash mismatch.
type Freeze struct {
	PlanSHA256   string `json:"plan_sha256"`
	SlicesSHA256 string `json:"slices_sha256"`
	FrozenAt     string `json:"frozen_at" format:"date-time"`
}

func (f Freeze) Validate() error {
	var missing []string
	if f.PlanSHA256 == "" {
		missing = append(missing, "plan_sha256")
	}
	if f.SlicesSHA256 == "" {
		missing = append(missing, "slices_sha256")
	}
	if len(missing) > 0 {
		return SchemaValidationError{Kind: "freeze", Missing: missing}
	}
	return nil
}

// Approval is a human sign-off. Its existence on disk is the proof.
type Approval struct {
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at" format:"date-time"`
	Note       string `json:"note,omitempty"`
}

func NewApproval(by, note string, now time.Time) (Approval, error) {
	if by == "" {
		return Approval{}, fmt.Errorf("approver is required")
	}
	return Approval{ApprovedBy: by, ApprovedAt: now.UTC().Format(time.RFC3339), Note: note}, nil
}

func (a Approval) Validate() error {
	if a.ApprovedBy == "" {
		return SchemaValidationError{Kind: "approval", Missing: []string{"approved_by"}}
	}
	return nil
}

// CommandOutcome is one executed verify/e2e command.
type CommandOutcome struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	LogPath  string `json:"log_path,omitempty"`
}

// Proof is the persisted evidence record for one gate run. Evidence fields
// are populated per kind; unused fields stay at their zero value.
type Proof struct {
	Kind          string           `json:"kind" enum:"scope,verify,review,e2e,ready"`
	Passed        bool             `json:"passed"`
	CheckedAt     string           `json:"checked_at" format:"date-time"`
	ChangedPaths  []string         `json:"changed_paths,omitempty"`
	AllowedPaths  []string         `json:"allowed_paths,omitempty"`
	Violations    []string         `json:"violations,omitempty"`
	ExecutedCount int              `json:"executed_count,omitempty"`
	Commands      []CommandOutcome `json:"commands,omitempty"`
	P0            int              `json:"p0,omitempty"`
	P1            int              `json:"p1,omitempty"`
	P2            int              `json:"p2,omitempty"`
	P3            int              `json:"p3,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	Checks        []ReadyCheck     `json:"checks,omitempty"`
}

func (p Proof) Validate() error {
	if p.Kind == "" {
		return SchemaValidationError{Kind: "proof", Missing: []string{"kind"}}
	}
	if p.CheckedAt == "" {
		return SchemaValidationError{Kind: "proof", Missing: []string{"checked_at"}}
	}
	return nil
}

// ReadyCheck is one named line item of the aggregate readiness proof.
type ReadyCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ManifestEntry records one gate's outcome inside a proof-pack manifest.
type ManifestEntry struct {
	Passed    bool   `json:"passed"`
	ProofPath string `json:"proof_path"`
}

// Manifest is the per-slice proof pack written on full success.
type Manifest struct {
	TaskID    string                   `json:"task_id"`
	SliceID   string                   `json:"slice_id"`
	Attempt   int                      `json:"attempt"`
	Gates     map[string]ManifestEntry `json:"gates"`
	WrittenAt string                   `json:"written_at" format:"date-time"`
}

func (m Manifest) Validate() error {
	var missing []string
	if m.TaskID == "" {
		missing = append(missing, "task_id")
	}
	if m.SliceID == "" {
		missing = append(missing, "slice_id")
	}
	if len(missing) > 0 {
		return SchemaValidationError{Kind: "manifest", Missing: missing}
	}
	return nil
}

// ReviewInput is the reviewer-recorded severity tally consumed by the review
// gate on the next slice attempt.
type ReviewInput struct {
	P0         int    `json:"p0"`
	P1         int    `json:"p1"`
	P2         int    `json:"p2"`
	P3         int    `json:"p3"`
	Notes      string `json:"notes,omitempty"`
	ReviewedBy string `json:"reviewed_by"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

func (r ReviewInput) Validate() error {
	if r.ReviewedBy == "" {
		return SchemaValidationError{Kind: "review_input", Missing: []string{"reviewed_by"}}
	}
	return nil
}

// Incident severities.
const (
	SeverityBlocking = "blocking"
	SeverityWarning  = "warning"
)

type Incident struct {
	ID          string `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Severity    string `json:"severity"`
	Kind        string `json:"kind"`
	Phase       string `json:"phase"`
	TaskID      string `json:"task_id"`
	SliceID     string `json:"slice_id,omitempty"`
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
}

// Event is one immutable audit fact. Rows are append-only; nothing in the
// system ever mutates or deletes them.
type Event struct {
	ID            int64    `json:"id"`
	TS            string   `json:"ts" format:"date-time"`
	Type          string   `json:"type"`
	Actor         string   `json:"actor"`
	MissionID     string   `json:"mission_id,omitempty"`
	ModuleID      string   `json:"module_id,omitempty"`
	TaskID        string   `json:"task_id,omitempty"`
	SliceID       string   `json:"slice_id,omitempty"`
	RepoRevision  string   `json:"repo_revision,omitempty"`
	WorktreePath  string   `json:"worktree_path,omitempty"`
	Payload       string   `json:"payload_json"`
	ArtifactRefs  []string `json:"artifact_refs,omitempty"`
	EngineVersion string   `json:"engine_version"`
}

// RetroPatch is the overlay-patch proposal emitted by the retrospective. The
// apply/rollback tool consumes it; this engine only records it.
type RetroPatch struct {
	TaskID     string   `json:"task_id"`
	Summary    string   `json:"summary"`
	Changes    []string `json:"changes,omitempty"`
	ProposedAt string   `json:"proposed_at" format:"date-time"`
}
