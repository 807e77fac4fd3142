package engine_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/events"
	"gateline/internal/migrate"
	"gateline/internal/replay"
	"gateline/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Root   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mod-1")
	log := events.New(conn)
	eng := engine.New(store.New(dir), log, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return fixed }
	log.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Root: dir}
}

func createTask(t *testing.T, env testEnv, id string, specs []domain.SliceSpec) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:     id,
		Title:  "Task " + id,
		Slices: specs,
		Plan:   []byte("# Plan " + id + "\n"),
		Actor:  "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func approvePath(t *testing.T, env testEnv, taskID string) {
	t.Helper()
	if _, err := env.Engine.CriticPass(env.Ctx, taskID, "critic"); err != nil {
		t.Fatalf("critic pass: %v", err)
	}
	if _, err := env.Engine.FreezeTask(env.Ctx, taskID, "tester"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := env.Engine.ApprovePlan(env.Ctx, taskID, "approver", ""); err != nil {
		t.Fatalf("approve plan: %v", err)
	}
}

func TestPhaseOrderEnforced(t *testing.T) {
	env := newTestEnv(t)
	task := createTask(t, env, "t-order", []domain.SliceSpec{{SliceID: "s1", AllowedPaths: []string{"src"}}})

	// freeze straight from draft is illegal
	_, err := env.Engine.FreezeTask(env.Ctx, task.ID, "tester")
	var te domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	// so is approving an unfrozen plan (no freeze record yet)
	if _, err := env.Engine.ApprovePlan(env.Ctx, task.ID, "approver", ""); err == nil {
		t.Fatal("approve-plan before freeze should fail")
	}
	// the legal order works
	approvePath(t, env, task.ID)
	got, err := env.Engine.Store.ReadTask(task.ID)
	if err != nil || got.Status != domain.TaskPlanApproved {
		t.Fatalf("status = %s, err %v", got.Status, err)
	}
}

func TestApprovePlanDriftFailsBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	task := createTask(t, env, "t-drift", []domain.SliceSpec{{SliceID: "s1", AllowedPaths: []string{"src"}}})
	if _, err := env.Engine.CriticPass(env.Ctx, task.ID, "critic"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.FreezeTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	// edit the plan after the freeze
	planPath := env.Engine.Store.PlanPath(task.ID)
	if err := os.WriteFile(planPath, []byte("# Plan t-drift (edited)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.ApprovePlan(env.Ctx, task.ID, "approver", "")
	var de domain.DriftError
	if !errors.As(err, &de) {
		t.Fatalf("expected DriftError, got %v", err)
	}
	if env.Engine.Store.Exists(env.Engine.Store.PlanApprovalPath(task.ID)) {
		t.Fatal("no approval file may be written on drift")
	}
	got, _ := env.Engine.Store.ReadTask(task.ID)
	if got.Status != domain.TaskFrozen {
		t.Fatalf("status should stay frozen, got %s", got.Status)
	}
}

func TestRunSlicePreconditions(t *testing.T) {
	env := newTestEnv(t)
	specs := []domain.SliceSpec{
		{SliceID: "s1", AllowedPaths: []string{"src"}, RequiredGates: []string{"scope"}},
		{SliceID: "s2", AllowedPaths: []string{"src"}, RequiredGates: []string{"scope"}, Deps: []string{"s1"}},
	}
	task := createTask(t, env, "t-pre", specs)

	// draft task is not executable
	if _, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"}); err == nil {
		t.Fatal("draft task should not run slices")
	}

	approvePath(t, env, task.ID)

	// dependency not done yet
	if _, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s2", Actor: "tester"}); err == nil {
		t.Fatal("s2 should be gated on s1")
	}
	got, _ := env.Engine.Store.ReadTask(task.ID)
	if got.Slices["s2"].Attempts != 0 {
		t.Fatal("precondition failure must not consume an attempt")
	}

	res, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil || res.Outcome != engine.OutcomeOK {
		t.Fatalf("s1 run: %v %+v", err, res)
	}
	res, err = env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s2", Actor: "tester"})
	if err != nil || res.Outcome != engine.OutcomeOK {
		t.Fatalf("s2 run: %v %+v", err, res)
	}

	// done slices are never revisited
	if _, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"}); err == nil {
		t.Fatal("done slice must not re-run")
	}
}

func TestMaxAttemptsBlocksTask(t *testing.T) {
	env := newTestEnv(t)
	specs := []domain.SliceSpec{{
		SliceID:        "s1",
		AllowedPaths:   []string{"src"},
		RequiredGates:  []string{"scope", "verify"},
		VerifyCommands: []string{"false"},
		MaxAttempts:    2,
	}}
	task := createTask(t, env, "t-attempts", specs)
	approvePath(t, env, task.ID)

	res, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if res.Outcome != engine.OutcomeGateFailed || res.SliceStatus != domain.SliceGateFailed {
		t.Fatalf("attempt 1 = %+v", res)
	}

	res, err = env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	if res.Outcome != engine.OutcomeBlocked || res.SliceStatus != domain.SliceBlocked {
		t.Fatalf("attempt 2 = %+v", res)
	}
	got, _ := env.Engine.Store.ReadTask(task.ID)
	if got.Status != domain.TaskBlocked {
		t.Fatalf("task should block, got %s", got.Status)
	}
	if got.BlockedReason == nil || *got.BlockedReason != "max attempts exceeded" {
		t.Fatalf("blocked reason = %v", got.BlockedReason)
	}

	// an Incident of kind verify_fail logged for each failing attempt
	kinds := readIncidentKinds(t, env.Engine.Store.TaskIncidentsPath(task.ID))
	if len(kinds) != 2 || kinds[0] != "verify_fail" || kinds[1] != "verify_fail" {
		t.Fatalf("incident kinds = %v", kinds)
	}
}

func TestScopeViolationBlocksImmediately(t *testing.T) {
	env := newTestEnv(t)
	specs := []domain.SliceSpec{{
		SliceID:       "s1",
		AllowedPaths:  []string{"src"},
		RequiredGates: []string{"scope"},
		MaxAttempts:   3,
	}}
	task := createTask(t, env, "t-scope", specs)
	approvePath(t, env, task.ID)

	res, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{
		TaskID: task.ID, SliceID: "s1", Implement: "touch stray.txt", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != engine.OutcomeBlocked {
		t.Fatalf("scope violation should block on first attempt, got %+v", res)
	}
	got, _ := env.Engine.Store.ReadTask(task.ID)
	if got.Status != domain.TaskBlocked || got.Slices["s1"].Status != domain.SliceBlocked {
		t.Fatalf("task %s slice %s", got.Status, got.Slices["s1"].Status)
	}
	kinds := readIncidentKinds(t, env.Engine.Store.TaskIncidentsPath(task.ID))
	if len(kinds) != 1 || kinds[0] != "scope_violation" {
		t.Fatalf("incident kinds = %v", kinds)
	}
	// the scope proof is persisted even though the attempt blocked
	proof, err := env.Engine.Store.ReadProof(env.Engine.Store.ProofPath(task.ID, "s1", "scope"))
	if err != nil || proof.Passed {
		t.Fatalf("scope proof: %v %+v", err, proof)
	}
}

func TestReviewGateFlow(t *testing.T) {
	env := newTestEnv(t)
	specs := []domain.SliceSpec{{
		SliceID:       "s1",
		AllowedPaths:  []string{"src"},
		RequiredGates: []string{"review"},
		MaxAttempts:   3,
	}}
	task := createTask(t, env, "t-review", specs)
	approvePath(t, env, task.ID)

	// no reviewer findings recorded yet
	res, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if res.Outcome != engine.OutcomeReviewFailed || res.SliceStatus != domain.SliceReviewFailed {
		t.Fatalf("attempt 1 = %+v", res)
	}

	// p1 findings block
	if err := env.Engine.RecordReview(env.Ctx, task.ID, "s1", domain.ReviewInput{P1: 1, ReviewedBy: "rev"}); err != nil {
		t.Fatalf("record review: %v", err)
	}
	res, err = env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil || res.Outcome != engine.OutcomeReviewFailed {
		t.Fatalf("attempt 2 = %v %+v", err, res)
	}

	// clean review passes; p2/p3 stay advisory
	if err := env.Engine.RecordReview(env.Ctx, task.ID, "s1", domain.ReviewInput{P2: 4, ReviewedBy: "rev"}); err != nil {
		t.Fatalf("record review: %v", err)
	}
	res, err = env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil || res.Outcome != engine.OutcomeOK {
		t.Fatalf("attempt 3 = %v %+v", err, res)
	}
}

func TestE2EFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	specs := []domain.SliceSpec{{
		SliceID:      "s1",
		AllowedPaths: []string{"src"},
		E2ERequired:  true,
		E2ECommands:  []string{"false"},
		MaxAttempts:  3,
	}}
	task := createTask(t, env, "t-e2efail", specs)
	approvePath(t, env, task.ID)

	res, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != engine.OutcomeGateFailed || res.FailedGate != domain.GateE2E {
		t.Fatalf("result = %+v", res)
	}
	got, _ := env.Engine.Store.ReadTask(task.ID)
	if got.Status != domain.TaskExecuting || got.Slices["s1"].Status != domain.SliceGateFailed {
		t.Fatalf("task %s slice %s", got.Status, got.Slices["s1"].Status)
	}
	kinds := readIncidentKinds(t, env.Engine.Store.TaskIncidentsPath(task.ID))
	if len(kinds) != 1 || kinds[0] != "e2e_fail" {
		t.Fatalf("incident kinds = %v", kinds)
	}
	proof, err := env.Engine.Store.ReadProof(env.Engine.Store.ProofPath(task.ID, "s1", domain.GateE2E))
	if err != nil || proof.Passed || proof.ExecutedCount != 1 {
		t.Fatalf("e2e proof: %v %+v", err, proof)
	}
}

func TestStrictProfileRequiresE2E(t *testing.T) {
	env := newTestEnv(t)
	// no e2e_commands declared; the strict profile demands the gate anyway
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:      "t-strict",
		Title:   "strict task",
		Profile: "strict",
		Slices:  []domain.SliceSpec{{SliceID: "s1", AllowedPaths: []string{"src"}}},
		Plan:    []byte("# Plan\n"),
		Actor:   "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	approvePath(t, env, task.ID)

	res, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{TaskID: task.ID, SliceID: "s1", Actor: "tester"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != engine.OutcomeBlocked || res.FailedGate != domain.GateE2E {
		t.Fatalf("missing e2e config should block, got %+v", res)
	}
	got, _ := env.Engine.Store.ReadTask(task.ID)
	if got.Status != domain.TaskBlocked || got.Slices["s1"].Status != domain.SliceBlocked {
		t.Fatalf("task %s slice %s", got.Status, got.Slices["s1"].Status)
	}
	kinds := readIncidentKinds(t, env.Engine.Store.TaskIncidentsPath(task.ID))
	if len(kinds) != 1 || kinds[0] != "gate_config" {
		t.Fatalf("incident kinds = %v", kinds)
	}
}

func TestCyclicDepsFailAtCreation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:    "t-cycle",
		Title: "cyclic",
		Slices: []domain.SliceSpec{
			{SliceID: "a", AllowedPaths: []string{"src"}, Deps: []string{"b"}},
			{SliceID: "b", AllowedPaths: []string{"src"}, Deps: []string{"a"}},
		},
		Actor: "tester",
	})
	var ce domain.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError for cycle, got %v", err)
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if err := os.MkdirAll(filepath.Join(env.Root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	specs := []domain.SliceSpec{
		{SliceID: "s1", AllowedPaths: []string{"src"}, RequiredGates: []string{"scope", "verify"}, VerifyCommands: []string{"true"}},
		{SliceID: "s2", AllowedPaths: []string{"src"}, RequiredGates: []string{"scope", "verify"}, VerifyCommands: []string{"true"}, Deps: []string{"s1"}, E2ERequired: true, E2ECommands: []string{"true"}},
	}
	task := createTask(t, env, "t-e2e", specs)
	approvePath(t, env, task.ID)

	for _, sliceID := range []string{"s1", "s2"} {
		res, err := env.Engine.RunSlice(env.Ctx, engine.RunSliceOptions{
			TaskID: task.ID, SliceID: sliceID,
			Implement: "touch src/" + sliceID + ".txt",
			Actor:     "tester",
		})
		if err != nil || res.Outcome != engine.OutcomeOK {
			t.Fatalf("run %s: %v %+v", sliceID, err, res)
		}
		manifest, err := env.Engine.Store.ReadManifest(res.ManifestPath)
		if err != nil {
			t.Fatalf("manifest for %s: %v", sliceID, err)
		}
		if sliceID == "s2" {
			if entry, ok := manifest.Gates[domain.GateE2E]; !ok || !entry.Passed {
				t.Fatalf("s2 manifest missing passing e2e entry: %+v", manifest.Gates)
			}
		}
	}

	proof, err := env.Engine.ValidateReady(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("validate ready: %v", err)
	}
	if !proof.Passed {
		t.Fatalf("ready checks: %+v", proof.Checks)
	}
	if !env.Engine.Store.Exists(env.Engine.Store.HandoffPath(task.ID)) {
		t.Fatal("handoff document missing")
	}

	if _, err := env.Engine.ApproveReady(env.Ctx, task.ID, "approver", "ship it"); err != nil {
		t.Fatalf("approve ready: %v", err)
	}
	if err := env.Engine.CompleteRetro(env.Ctx, task.ID, "tester", "went fine\n", domain.RetroPatch{Summary: "tighten verify"}); err != nil {
		t.Fatalf("retro: %v", err)
	}
	got, err := env.Engine.CloseTask(env.Ctx, task.ID, "tester")
	if err != nil || got.Status != domain.TaskClosed {
		t.Fatalf("close: %v %s", err, got.Status)
	}

	checker := replay.Checker{Store: env.Engine.Store, Events: env.Engine.Events}
	rep, err := checker.Run(env.Ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Status != "ok" || len(rep.Violations) != 0 {
		t.Fatalf("replay = %+v", rep)
	}
}

func TestValidateReadyRequiresExecuting(t *testing.T) {
	env := newTestEnv(t)
	task := createTask(t, env, "t-early", []domain.SliceSpec{{SliceID: "s1", AllowedPaths: []string{"src"}}})
	_, err := env.Engine.ValidateReady(env.Ctx, task.ID, "tester")
	var te domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func readIncidentKinds(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open incidents: %v", err)
	}
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var inc domain.Incident
		if err := json.Unmarshal(sc.Bytes(), &inc); err != nil {
			t.Fatalf("incident line: %v", err)
		}
		kinds = append(kinds, inc.Kind)
	}
	return kinds
}
