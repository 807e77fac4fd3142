// Package engine drives task phase transitions and slice attempts. All state
// mutations go through the state machine and the artifact store; every action
// appends a matching event so the history stays replayable.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/gates"
	"gateline/internal/state"
	"gateline/internal/store"
)

type Engine struct {
	Store  store.Store
	Events *events.Log
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(st store.Store, log *events.Log, cfg *config.Config, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Store:  st,
		Events: log,
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) record(ctx context.Context, rec events.Record) error {
	rec.ModuleID = e.Config.Module.ID
	if rec.MissionID == "" {
		rec.MissionID = e.Config.Module.Mission
	}
	return e.Events.Append(ctx, rec)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	MissionID   string
	Title       string
	Profile     string
	Plan        []byte
	Slices      []domain.SliceSpec
	MaxAttempts int
	Actor       string
}

// CreateTask writes the task, plan and slice specs and appends task.created.
// Slice dependency graphs are validated as a DAG here so a cycle fails at
// creation instead of wedging a retry loop later.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if e.Store.Exists(e.Store.TaskPath(opts.ID)) {
		return domain.Task{}, fmt.Errorf("task %s already exists", opts.ID)
	}
	prof, err := e.Config.ActiveProfile(opts.Profile)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = prof.MaxAttempts
	}
	profileName := opts.Profile
	if profileName == "" {
		profileName = e.Config.Profile
	}
	t, err := domain.NewTask(opts.ID, e.Config.Module.ID, opts.Title, profileName, opts.MissionID, opts.MaxAttempts, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateSliceSpecs(opts.Slices); err != nil {
		return domain.Task{}, err
	}
	if len(opts.Plan) == 0 {
		opts.Plan = []byte(fmt.Sprintf("# Plan: %s\n\n(unwritten)\n", t.ID))
	}
	if err := e.Store.WriteTask(t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Store.WriteFileAtomic(e.Store.PlanPath(t.ID), opts.Plan); err != nil {
		return domain.Task{}, err
	}
	if err := e.Store.WriteSlices(t.ID, opts.Slices); err != nil {
		return domain.Task{}, err
	}
	if err := e.record(ctx, events.Record{
		Type: events.TypeTaskCreated, Actor: opts.Actor, TaskID: t.ID,
		MissionID: opts.MissionID,
		Payload:   map[string]any{"title": t.Title, "profile": t.Profile, "slice_count": len(opts.Slices)},
	}); err != nil {
		return domain.Task{}, err
	}
	e.Logger.Info("task created", "task_id", t.ID, "slices", len(opts.Slices))
	return t, nil
}

// transition moves the task to a new status through the transition table and
// persists it. Callers append their own specific event afterwards.
func (e Engine) transition(t *domain.Task, to string) error {
	if err := state.EnsureTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.Store.WriteTask(*t)
}

// CriticPass records that the task's plan survived critic review.
func (e Engine) CriticPass(ctx context.Context, taskID, actor string) (domain.Task, error) {
	t, err := e.Store.ReadTask(taskID)
	if err != nil {
		return t, err
	}
	if err := e.transition(&t, domain.TaskCriticPassed); err != nil {
		return t, err
	}
	err = e.record(ctx, events.Record{
		Type: events.TypeTaskCriticPassed, Actor: actor, TaskID: t.ID,
		Payload: map[string]any{"from": domain.TaskDraft, "to": t.Status},
	})
	return t, err
}

// FreezeTask snapshots the plan/spec content hashes. Any later edit to
// plan.md or slices.json invalidates the freeze via hash mismatch.
func (e Engine) FreezeTask(ctx context.Context, taskID, actor string) (domain.Freeze, error) {
	t, err := e.Store.ReadTask(taskID)
	if err != nil {
		return domain.Freeze{}, err
	}
	planSHA, slicesSHA, err := e.Store.ContentHashes(taskID)
	if err != nil {
		return domain.Freeze{}, err
	}
	frz := domain.Freeze{
		PlanSHA256:   planSHA,
		SlicesSHA256: slicesSHA,
		FrozenAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.transition(&t, domain.TaskFrozen); err != nil {
		return domain.Freeze{}, err
	}
	if err := e.Store.WriteJSON(e.Store.FreezePath(taskID), frz); err != nil {
		return domain.Freeze{}, err
	}
	err = e.record(ctx, events.Record{
		Type: events.TypeTaskFrozen, Actor: actor, TaskID: taskID,
		Payload:      map[string]any{"plan_sha256": planSHA, "slices_sha256": slicesSHA},
		ArtifactRefs: []string{e.Store.FreezePath(taskID)},
	})
	return frz, err
}

// ApprovePlan records the plan sign-off. Drift is checked before anything is
// written: a stale freeze fails the approval with no side effects.
func (e Engine) ApprovePlan(ctx context.Context, taskID, approvedBy, note string) (domain.Approval, error) {
	t, err := e.Store.ReadTask(taskID)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := e.Store.CheckDrift(taskID); err != nil {
		return domain.Approval{}, err
	}
	appr, err := domain.NewApproval(approvedBy, note, e.now())
	if err != nil {
		return domain.Approval{}, err
	}
	if err := e.transition(&t, domain.TaskPlanApproved); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Store.WriteJSON(e.Store.PlanApprovalPath(taskID), appr); err != nil {
		return domain.Approval{}, err
	}
	err = e.record(ctx, events.Record{
		Type: events.TypeTaskPlanApproved, Actor: approvedBy, TaskID: taskID,
		Payload:      map[string]any{"approved_by": approvedBy},
		ArtifactRefs: []string{e.Store.PlanApprovalPath(taskID)},
	})
	return appr, err
}

// RecordReview stores reviewer severity counts for the next attempt's review
// gate and appends review.recorded.
func (e Engine) RecordReview(ctx context.Context, taskID, sliceID string, in domain.ReviewInput) error {
	if _, err := e.Store.ReadTask(taskID); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}
	in.RecordedAt = e.now().UTC().Format(time.RFC3339)
	path := e.Store.ReviewInputPath(taskID, sliceID)
	if err := e.Store.WriteJSON(path, in); err != nil {
		return err
	}
	return e.record(ctx, events.Record{
		Type: events.TypeReviewRecorded, Actor: in.ReviewedBy, TaskID: taskID, SliceID: sliceID,
		Payload:      map[string]any{"p0": in.P0, "p1": in.P1, "p2": in.P2, "p3": in.P3},
		ArtifactRefs: []string{path},
	})
}

// RecordAcceptance stores the user-acceptance approval some profiles require
// before readiness validation can pass.
func (e Engine) RecordAcceptance(ctx context.Context, taskID, approvedBy, note string) (domain.Approval, error) {
	if _, err := e.Store.ReadTask(taskID); err != nil {
		return domain.Approval{}, err
	}
	appr, err := domain.NewApproval(approvedBy, note, e.now())
	if err != nil {
		return domain.Approval{}, err
	}
	path := e.Store.AcceptanceApprovalPath(taskID)
	if err := e.Store.WriteJSON(path, appr); err != nil {
		return domain.Approval{}, err
	}
	err = e.record(ctx, events.Record{
		Type: events.TypeAcceptanceRecorded, Actor: approvedBy, TaskID: taskID,
		ArtifactRefs: []string{path},
	})
	return appr, err
}

// blockTask moves the task to blocked with a reason. Illegal from terminal
// statuses, in which case the reason is still persisted on a best-effort
// basis via the returned error.
func (e Engine) blockTask(ctx context.Context, t *domain.Task, actor, reason string) error {
	t.BlockedReason = &reason
	if err := e.transition(t, domain.TaskBlocked); err != nil {
		return err
	}
	return e.record(ctx, events.Record{
		Type: events.TypeTaskBlocked, Actor: actor, TaskID: t.ID,
		Payload: map[string]any{"reason": reason},
	})
}

// ValidateReady runs the aggregate ready gate, persists the readiness proof
// plus handoff document, and on success transitions the task.
func (e Engine) ValidateReady(ctx context.Context, taskID, actor string) (domain.Proof, error) {
	t, err := e.Store.ReadTask(taskID)
	if err != nil {
		return domain.Proof{}, err
	}
	if t.Status != domain.TaskExecuting {
		return domain.Proof{}, domain.TransitionError{From: t.Status, To: domain.TaskReadyValidated}
	}
	specs, err := e.Store.ReadSlices(taskID)
	if err != nil {
		return domain.Proof{}, err
	}
	prof, err := e.Config.ActiveProfile(t.Profile)
	if err != nil {
		return domain.Proof{}, err
	}
	proof, handoff := gates.Ready(e.Store, t, specs, prof, e.now())
	if err := e.Store.WriteJSON(e.Store.ReadyProofPath(taskID), proof); err != nil {
		return proof, err
	}
	if err := e.Store.WriteFileAtomic(e.Store.HandoffPath(taskID), []byte(handoff)); err != nil {
		return proof, err
	}
	if !proof.Passed {
		e.Logger.Warn("readiness validation failed", "task_id", taskID)
		return proof, nil
	}
	if err := e.transition(&t, domain.TaskReadyValidated); err != nil {
		return proof, err
	}
	err = e.record(ctx, events.Record{
		Type: events.TypeReadyValidated, Actor: actor, TaskID: taskID,
		Payload:      map[string]any{"checks": len(proof.Checks)},
		ArtifactRefs: []string{e.Store.ReadyProofPath(taskID), e.Store.HandoffPath(taskID)},
	})
	return proof, err
}

// ApproveReady records the readiness sign-off after validation passed.
func (e Engine) ApproveReady(ctx context.Context, taskID, approvedBy, note string) (domain.Approval, error) {
	t, err := e.Store.ReadTask(taskID)
	if err != nil {
		return domain.Approval{}, err
	}
	proof, err := e.Store.ReadProof(e.Store.ReadyProofPath(taskID))
	if err != nil {
		return domain.Approval{}, fmt.Errorf("readiness proof: %w", err)
	}
	if !proof.Passed {
		return domain.Approval{}, fmt.Errorf("readiness proof records a failure; re-run validate-ready")
	}
	appr, err := domain.NewApproval(approvedBy, note, e.now())
	if err != nil {
		return domain.Approval{}, err
	}
	if err := e.transition(&t, domain.TaskReadyApproved); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Store.WriteJSON(e.Store.ReadyApprovalPath(taskID), appr); err != nil {
		return domain.Approval{}, err
	}
	err = e.record(ctx, events.Record{
		Type: events.TypeReadyApproved, Actor: approvedBy, TaskID: taskID,
		ArtifactRefs: []string{
			e.Store.ReadyProofPath(taskID),
			e.Store.HandoffPath(taskID),
			e.Store.ReadyApprovalPath(taskID),
		},
	})
	return appr, err
}

// CompleteRetro writes the retrospective narrative and the overlay-patch
// proposal, then closes out the execution phase.
func (e Engine) CompleteRetro(ctx context.Context, taskID, actor, narrative string, patch domain.RetroPatch) error {
	t, err := e.Store.ReadTask(taskID)
	if err != nil {
		return err
	}
	if narrative == "" {
		return fmt.Errorf("retro narrative is required")
	}
	patch.TaskID = taskID
	patch.ProposedAt = e.now().UTC().Format(time.RFC3339)
	if patch.Summary == "" {
		patch.Summary = "no changes proposed"
	}
	if err := e.transition(&t, domain.TaskRetroDone); err != nil {
		return err
	}
	if err := e.Store.WriteFileAtomic(e.Store.RetroPath(taskID), []byte(narrative)); err != nil {
		return err
	}
	if err := e.Store.WriteJSON(e.Store.RetroPatchPath(taskID), patch); err != nil {
		return err
	}
	return e.record(ctx, events.Record{
		Type: events.TypeRetroCompleted, Actor: actor, TaskID: taskID,
		Payload:      map[string]any{"summary": patch.Summary},
		ArtifactRefs: []string{e.Store.RetroPath(taskID), e.Store.RetroPatchPath(taskID)},
	})
}

// CloseTask is the terminal transition; closed tasks have no outgoing edges.
func (e Engine) CloseTask(ctx context.Context, taskID, actor string) (domain.Task, error) {
	t, err := e.Store.ReadTask(taskID)
	if err != nil {
		return t, err
	}
	if err := e.transition(&t, domain.TaskClosed); err != nil {
		return t, err
	}
	err = e.record(ctx, events.Record{Type: events.TypeTaskClosed, Actor: actor, TaskID: taskID})
	return t, err
}

// writeIncident persists a structured incident to the process-wide log and
// the task-scoped log, then appends incident.recorded.
func (e Engine) writeIncident(ctx context.Context, inc domain.Incident) error {
	inc.ID = uuid.New().String()
	inc.TS = e.now().UTC().Format(time.RFC3339)
	if err := e.Store.AppendJSONL(e.Store.GlobalIncidentsPath(), inc); err != nil {
		return err
	}
	if err := e.Store.AppendJSONL(e.Store.TaskIncidentsPath(inc.TaskID), inc); err != nil {
		return err
	}
	e.Logger.Warn("incident", "kind", inc.Kind, "phase", inc.Phase, "task_id", inc.TaskID, "slice_id", inc.SliceID)
	return e.record(ctx, events.Record{
		Type: events.TypeIncidentRecorded, Actor: "system", TaskID: inc.TaskID, SliceID: inc.SliceID,
		Payload: map[string]any{"kind": inc.Kind, "severity": inc.Severity, "phase": inc.Phase, "message": inc.Message},
	})
}
