package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/gates"
	"gateline/internal/runner"
	"gateline/internal/state"
	"gateline/internal/store"
)

// Attempt outcomes. These map one-to-one onto the CLI exit-code classes.
const (
	OutcomeOK           = "ok"
	OutcomeBlocked      = "blocked"
	OutcomeGateFailed   = "gate_failed"
	OutcomeReviewFailed = "review_failed"
)

type RunSliceOptions struct {
	TaskID    string
	SliceID   string
	Implement string // optional implement command, run before the gates
	Actor     string
}

// AttemptResult is what one slice attempt came to. Gate failures are results,
// not errors; the error return is reserved for precondition violations and
// I/O trouble.
type AttemptResult struct {
	Outcome      string
	TaskStatus   string
	SliceStatus  string
	Attempt      int
	FailedGate   string
	Message      string
	ManifestPath string
}

// Incident remediation per kind, kept fixed so operators see consistent
// guidance.
var remediations = map[string]string{
	"attempts_exhausted": "raise max_attempts in the slice spec (requires re-freeze) or split the slice",
	"scope_violation":    "revert the out-of-scope changes, or amend allowed_paths and take the plan back through freeze",
	"gate_config":        "fix the slice's gate configuration in slices.json and take the plan back through freeze",
	"command_policy":     "remove the forbidden command from the slice spec or update the operator command policy",
	"implement_fail":     "inspect the implement command log under run/tasks/<task>/logs and retry",
	"verify_fail":        "fix the failing verify commands; exit codes and output are in the captured logs",
	"review_missing":     "record reviewer findings with 'gl slice review' and retry",
	"review_fail":        "resolve the p0/p1 findings, record a fresh review, and retry",
	"e2e_fail":           "inspect the e2e logs and retry",
}

// RunSlice executes one gated attempt for a slice. Preconditions are checked
// before any side effect; after that every outcome leaves a proof, an event
// and, when failing, an incident behind.
func (e Engine) RunSlice(ctx context.Context, opts RunSliceOptions) (AttemptResult, error) {
	t, err := e.Store.ReadTask(opts.TaskID)
	if err != nil {
		return AttemptResult{}, err
	}
	specs, err := e.Store.ReadSlices(opts.TaskID)
	if err != nil {
		return AttemptResult{}, err
	}
	var spec domain.SliceSpec
	found := false
	for _, s := range specs {
		if s.SliceID == opts.SliceID {
			spec = s
			found = true
			break
		}
	}
	if !found {
		return AttemptResult{}, domain.ConfigurationError{Reason: fmt.Sprintf("slice %s not declared in slices.json", opts.SliceID)}
	}

	sl := t.Slices[opts.SliceID]
	if sl.Status == domain.SliceDone {
		return AttemptResult{}, fmt.Errorf("slice %s is already done", opts.SliceID)
	}

	// Preconditions: no side effects until all of these hold.
	if !state.Executable(t.Status) {
		return AttemptResult{}, fmt.Errorf("task %s status %s does not permit slice execution", t.ID, t.Status)
	}
	if _, err := e.Store.ReadApproval(e.Store.PlanApprovalPath(t.ID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AttemptResult{}, fmt.Errorf("plan approval not recorded for task %s", t.ID)
		}
		return AttemptResult{}, err
	}
	if err := e.Store.CheckDrift(t.ID); err != nil {
		return AttemptResult{}, err
	}
	for _, dep := range spec.Deps {
		if t.Slices[dep].Status != domain.SliceDone {
			return AttemptResult{}, fmt.Errorf("dependency %s is not done", dep)
		}
	}

	if t.Status == domain.TaskPlanApproved {
		if err := e.transition(&t, domain.TaskExecuting); err != nil {
			return AttemptResult{}, err
		}
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = t.MaxAttempts
	}
	sl.MaxAttempts = maxAttempts

	if sl.Attempts >= maxAttempts {
		return e.blockSlice(ctx, &t, &sl, opts, blockParams{
			kind: "attempts_exhausted", phase: "precheck",
			message: fmt.Sprintf("slice %s has used %d of %d attempts", opts.SliceID, sl.Attempts, maxAttempts),
		})
	}

	sl.Attempts++
	sl.Status = domain.SliceRunning
	sl.LastError = ""
	if err := e.saveSlice(&t, opts.SliceID, sl); err != nil {
		return AttemptResult{}, err
	}
	if err := e.record(ctx, events.Record{
		Type: events.TypeSliceAttemptStart, Actor: opts.Actor, TaskID: t.ID, SliceID: opts.SliceID,
		Payload: map[string]any{"attempt": sl.Attempts, "max_attempts": maxAttempts},
	}); err != nil {
		return AttemptResult{}, err
	}
	e.Logger.Info("slice attempt", "task_id", t.ID, "slice_id", opts.SliceID, "attempt", sl.Attempts)

	prof, err := e.Config.ActiveProfile(t.Profile)
	if err != nil {
		return AttemptResult{}, err
	}

	before, err := e.Store.Snapshot()
	if err != nil {
		return AttemptResult{}, err
	}

	implementRunner := &runner.Runner{Dir: e.Store.Root, LogDir: e.Store.LogsDir(t.ID), Now: e.Now}
	if opts.Implement != "" {
		res, err := implementRunner.Run(opts.Implement)
		if err != nil {
			return AttemptResult{}, err
		}
		if err := e.commandEvent(ctx, opts, "implement", res); err != nil {
			return AttemptResult{}, err
		}
		if res.ExitCode != 0 {
			return e.failSlice(ctx, &t, &sl, opts, failParams{
				kind: "implement_fail", phase: "implement", sliceStatus: domain.SliceGateFailed,
				message: fmt.Sprintf("implement command exited %d", res.ExitCode),
			})
		}
	}

	after, err := e.Store.Snapshot()
	if err != nil {
		return AttemptResult{}, err
	}
	changed := store.ChangedPaths(before, after)

	ran := map[string]domain.ManifestEntry{}

	// Scope gate: violations are contract breaches, not transient failures,
	// so they block immediately.
	if spec.RequiresGate(domain.GateScope) {
		proof, err := gates.Scope(changed, spec.AllowedPaths, true, e.now())
		var cfgErr domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			return e.blockSlice(ctx, &t, &sl, opts, blockParams{
				kind: "gate_config", phase: domain.GateScope, message: cfgErr.Error(),
			})
		}
		if err != nil {
			return AttemptResult{}, err
		}
		if err := e.writeGateProof(ctx, opts, domain.GateScope, proof, ran); err != nil {
			return AttemptResult{}, err
		}
		if !proof.Passed {
			return e.blockSlice(ctx, &t, &sl, opts, blockParams{
				kind: "scope_violation", phase: domain.GateScope,
				message: fmt.Sprintf("%d path(s) outside allowed prefixes", len(proof.Violations)),
			})
		}
	}

	if spec.RequiresGate(domain.GateVerify) {
		verifyRunner := &runner.Runner{Dir: e.Store.Root, LogDir: e.Store.LogsDir(t.ID), Policy: &e.Config.Commands, Now: e.Now}
		proof, err := gates.Verify(verifyRunner, spec.VerifyCommands, true, e.now())
		var polErr domain.PolicyError
		var cfgErr domain.ConfigurationError
		switch {
		case errors.As(err, &polErr):
			return e.blockSlice(ctx, &t, &sl, opts, blockParams{
				kind: "command_policy", phase: domain.GateVerify, message: polErr.Error(),
			})
		case errors.As(err, &cfgErr):
			return e.blockSlice(ctx, &t, &sl, opts, blockParams{
				kind: "gate_config", phase: domain.GateVerify, message: cfgErr.Error(),
			})
		case err != nil:
			return AttemptResult{}, err
		}
		for _, out := range proof.Commands {
			if err := e.commandEvent(ctx, opts, domain.GateVerify, runner.Result{Command: out.Command, ExitCode: out.ExitCode, LogPath: out.LogPath}); err != nil {
				return AttemptResult{}, err
			}
		}
		if err := e.writeGateProof(ctx, opts, domain.GateVerify, proof, ran); err != nil {
			return AttemptResult{}, err
		}
		if !proof.Passed {
			return e.failSlice(ctx, &t, &sl, opts, failParams{
				kind: "verify_fail", phase: domain.GateVerify, sliceStatus: domain.SliceGateFailed,
				message: "one or more verify commands failed",
			})
		}
	}

	if spec.RequiresGate(domain.GateReview) {
		input, err := e.Store.ReadReviewInput(t.ID, opts.SliceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return e.failSlice(ctx, &t, &sl, opts, failParams{
					kind: "review_missing", phase: domain.GateReview, sliceStatus: domain.SliceReviewFailed,
					message: "no reviewer findings recorded for this slice",
				})
			}
			return AttemptResult{}, err
		}
		proof := gates.Review(input, e.now())
		if err := e.writeGateProof(ctx, opts, domain.GateReview, proof, ran); err != nil {
			return AttemptResult{}, err
		}
		if !proof.Passed {
			return e.failSlice(ctx, &t, &sl, opts, failParams{
				kind: "review_fail", phase: domain.GateReview, sliceStatus: domain.SliceReviewFailed,
				message: fmt.Sprintf("review recorded %d p0 and %d p1 findings", proof.P0, proof.P1),
			})
		}
	}

	if spec.E2ERequired || prof.E2ERequired {
		e2eRunner := &runner.Runner{Dir: e.Store.Root, LogDir: e.Store.LogsDir(t.ID), Now: e.Now}
		proof, err := gates.E2E(e2eRunner, spec.E2ECommands, e.now())
		var cfgErr domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			return e.blockSlice(ctx, &t, &sl, opts, blockParams{
				kind: "gate_config", phase: domain.GateE2E, message: cfgErr.Error(),
			})
		}
		if err != nil {
			return AttemptResult{}, err
		}
		for _, out := range proof.Commands {
			if err := e.commandEvent(ctx, opts, domain.GateE2E, runner.Result{Command: out.Command, ExitCode: out.ExitCode, LogPath: out.LogPath}); err != nil {
				return AttemptResult{}, err
			}
		}
		if err := e.writeGateProof(ctx, opts, domain.GateE2E, proof, ran); err != nil {
			return AttemptResult{}, err
		}
		if !proof.Passed {
			return e.failSlice(ctx, &t, &sl, opts, failParams{
				kind: "e2e_fail", phase: domain.GateE2E, sliceStatus: domain.SliceGateFailed,
				message: "one or more e2e commands failed",
			})
		}
	}

	// Full success: proof-pack manifest, then slice done.
	manifest := domain.Manifest{
		TaskID:    t.ID,
		SliceID:   opts.SliceID,
		Attempt:   sl.Attempts,
		Gates:     ran,
		WrittenAt: e.now().UTC().Format(time.RFC3339),
	}
	manifestPath := e.Store.ManifestPath(t.ID, opts.SliceID)
	if err := e.Store.WriteJSON(manifestPath, manifest); err != nil {
		return AttemptResult{}, err
	}
	if err := e.record(ctx, events.Record{
		Type: events.TypeProofPackWritten, Actor: opts.Actor, TaskID: t.ID, SliceID: opts.SliceID,
		Payload:      map[string]any{"gates": len(ran), "attempt": sl.Attempts},
		ArtifactRefs: []string{manifestPath},
	}); err != nil {
		return AttemptResult{}, err
	}

	sl.Status = domain.SliceDone
	sl.LastError = ""
	if err := e.saveSlice(&t, opts.SliceID, sl); err != nil {
		return AttemptResult{}, err
	}
	if err := e.record(ctx, events.Record{
		Type: events.TypeSliceCompleted, Actor: opts.Actor, TaskID: t.ID, SliceID: opts.SliceID,
		Payload:      map[string]any{"attempt": sl.Attempts},
		ArtifactRefs: []string{manifestPath},
	}); err != nil {
		return AttemptResult{}, err
	}
	e.Logger.Info("slice completed", "task_id", t.ID, "slice_id", opts.SliceID, "attempt", sl.Attempts)
	return AttemptResult{
		Outcome:      OutcomeOK,
		TaskStatus:   t.Status,
		SliceStatus:  sl.Status,
		Attempt:      sl.Attempts,
		ManifestPath: manifestPath,
	}, nil
}

func (e Engine) saveSlice(t *domain.Task, sliceID string, sl domain.SliceState) error {
	if t.Slices == nil {
		t.Slices = map[string]domain.SliceState{}
	}
	t.Slices[sliceID] = sl
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.Store.WriteTask(*t)
}

type blockParams struct {
	kind    string
	phase   string
	message string
}

// blockSlice handles contract violations: the slice and the task both end up
// blocked, with an incident in both logs.
func (e Engine) blockSlice(ctx context.Context, t *domain.Task, sl *domain.SliceState, opts RunSliceOptions, p blockParams) (AttemptResult, error) {
	sl.Status = domain.SliceBlocked
	sl.LastError = p.message
	if err := e.saveSlice(t, opts.SliceID, *sl); err != nil {
		return AttemptResult{}, err
	}
	if err := e.record(ctx, events.Record{
		Type: events.TypeSliceBlocked, Actor: opts.Actor, TaskID: t.ID, SliceID: opts.SliceID,
		Payload: map[string]any{"kind": p.kind, "phase": p.phase, "message": p.message},
	}); err != nil {
		return AttemptResult{}, err
	}
	reason := p.message
	if p.kind == "attempts_exhausted" {
		reason = "max attempts exceeded"
	}
	if t.Status != domain.TaskBlocked {
		if err := e.blockTask(ctx, t, opts.Actor, reason); err != nil {
			return AttemptResult{}, err
		}
	}
	if err := e.writeIncident(ctx, domain.Incident{
		Severity: domain.SeverityBlocking, Kind: p.kind, Phase: p.phase,
		TaskID: t.ID, SliceID: opts.SliceID,
		Message: p.message, Remediation: remediations[p.kind],
	}); err != nil {
		return AttemptResult{}, err
	}
	return AttemptResult{
		Outcome:     OutcomeBlocked,
		TaskStatus:  t.Status,
		SliceStatus: sl.Status,
		Attempt:     sl.Attempts,
		FailedGate:  p.phase,
		Message:     p.message,
	}, nil
}

type failParams struct {
	kind        string
	phase       string
	sliceStatus string
	message     string
}

// failSlice handles retryable failures. The slice keeps its failure status
// until attempts run out, at which point the whole task blocks.
func (e Engine) failSlice(ctx context.Context, t *domain.Task, sl *domain.SliceState, opts RunSliceOptions, p failParams) (AttemptResult, error) {
	exhausted := sl.Attempts >= sl.MaxAttempts
	sl.LastError = p.message
	if exhausted {
		sl.Status = domain.SliceBlocked
	} else {
		sl.Status = p.sliceStatus
	}
	if err := e.saveSlice(t, opts.SliceID, *sl); err != nil {
		return AttemptResult{}, err
	}
	if exhausted && t.Status != domain.TaskBlocked {
		if err := e.blockTask(ctx, t, opts.Actor, "max attempts exceeded"); err != nil {
			return AttemptResult{}, err
		}
	}
	if err := e.writeIncident(ctx, domain.Incident{
		Severity: severityFor(exhausted), Kind: p.kind, Phase: p.phase,
		TaskID: t.ID, SliceID: opts.SliceID,
		Message: p.message, Remediation: remediations[p.kind],
	}); err != nil {
		return AttemptResult{}, err
	}
	outcome := OutcomeGateFailed
	if p.sliceStatus == domain.SliceReviewFailed {
		outcome = OutcomeReviewFailed
	}
	if exhausted {
		outcome = OutcomeBlocked
	}
	return AttemptResult{
		Outcome:     outcome,
		TaskStatus:  t.Status,
		SliceStatus: sl.Status,
		Attempt:     sl.Attempts,
		FailedGate:  p.phase,
		Message:     p.message,
	}, nil
}

func severityFor(exhausted bool) string {
	if exhausted {
		return domain.SeverityBlocking
	}
	return domain.SeverityWarning
}

// writeGateProof persists one gate's proof and appends the matching
// gate.passed / gate.failed event.
func (e Engine) writeGateProof(ctx context.Context, opts RunSliceOptions, gate string, proof domain.Proof, ran map[string]domain.ManifestEntry) error {
	path := e.Store.ProofPath(opts.TaskID, opts.SliceID, gate)
	if err := e.Store.WriteJSON(path, proof); err != nil {
		return err
	}
	ran[gate] = domain.ManifestEntry{Passed: proof.Passed, ProofPath: path}
	evtType := events.TypeGatePassed
	if !proof.Passed {
		evtType = events.TypeGateFailed
	}
	return e.record(ctx, events.Record{
		Type: evtType, Actor: opts.Actor, TaskID: opts.TaskID, SliceID: opts.SliceID,
		Payload:      map[string]any{"gate": gate, "passed": proof.Passed},
		ArtifactRefs: []string{path},
	})
}

func (e Engine) commandEvent(ctx context.Context, opts RunSliceOptions, phase string, res runner.Result) error {
	var refs []string
	if res.LogPath != "" {
		refs = []string{res.LogPath}
	}
	return e.record(ctx, events.Record{
		Type: events.TypeCommandCompleted, Actor: opts.Actor, TaskID: opts.TaskID, SliceID: opts.SliceID,
		Payload:      map[string]any{"phase": phase, "command": res.Command, "exit_code": res.ExitCode},
		ArtifactRefs: refs,
	})
}
