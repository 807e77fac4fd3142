// Package replay reconstructs workflow history from the event log and checks
// it against the artifacts on disk. It is strictly read-only: content problems
// are collected as violations, never raised, so one run shows the operator the
// complete picture.
package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/store"
)

const defaultWindow = 500

// Checker replays a bounded recent window of events in chronological order.
type Checker struct {
	Store  store.Store
	Events *events.Log
	Window int // max events inspected, newest wins; defaults to 500
}

type Violation struct {
	Kind    string   `json:"kind"`
	EventID int64    `json:"event_id"`
	TaskID  string   `json:"task_id,omitempty"`
	SliceID string   `json:"slice_id,omitempty"`
	Message string   `json:"message"`
	Refs    []string `json:"refs,omitempty"`
}

type Check struct {
	Name    string `json:"name"`
	EventID int64  `json:"event_id"`
	OK      bool   `json:"ok"`
}

type Report struct {
	Status         string      `json:"status"` // ok | failed
	Events         int         `json:"events"`
	Checks         []Check     `json:"checks"`
	Violations     []Violation `json:"violations"`
	Refs           []string    `json:"refs,omitempty"`
	Recommendation string      `json:"recommendation,omitempty"`
}

// One remedial command per violation kind, keyed off the first violation so
// the report always ends with something actionable.
var remedialCommands = map[string]string{
	"frozen_without_critic":             "gl task critic-pass <task>",
	"freeze_artifact_missing":           "gl task freeze <task>",
	"plan_approved_without_freeze":      "gl task freeze <task>",
	"plan_approval_missing":             "gl task approve-plan <task>",
	"proof_pack_missing":                "gl slice run <task> <slice>",
	"slice_complete_without_proof":      "gl slice run <task> <slice>",
	"ready_without_plan_approval":       "gl task approve-plan <task>",
	"ready_proof_missing":               "gl task validate-ready <task>",
	"handoff_missing":                   "gl task validate-ready <task>",
	"ready_approved_without_validation": "gl task validate-ready <task>",
	"ready_approval_missing":            "gl task approve-ready <task>",
	"retro_artifact_missing":            "gl task retro <task>",
}

// replayState is what the checker carries forward while walking the log.
type replayState struct {
	criticPassed   map[string]bool
	frozen         map[string]bool
	planApproved   map[string]bool
	readyValidated map[string]bool
	manifests      map[string]string // module|task|slice -> manifest path
}

func (c Checker) window() int {
	if c.Window > 0 {
		return c.Window
	}
	return defaultWindow
}

// Run replays the log. The store returns events newest-first; they are
// reversed here so preconditions are checked in the order things happened.
func (c Checker) Run(ctx context.Context) (Report, error) {
	evs, err := c.Events.Query(ctx, events.Filter{Limit: c.window()})
	if err != nil {
		return Report{}, err
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}

	st := replayState{
		criticPassed:   map[string]bool{},
		frozen:         map[string]bool{},
		planApproved:   map[string]bool{},
		readyValidated: map[string]bool{},
		manifests:      map[string]string{},
	}
	rep := Report{Status: "ok", Events: len(evs)}
	seen := map[string]bool{}

	// suppressed is set when the current event repeats an already-recorded
	// violation message; its check still fails even though no new violation
	// is appended.
	suppressed := false
	add := func(ev domain.Event, kind, message string, refs []string) {
		rep.Status = "failed"
		if seen[message] {
			suppressed = true
			return
		}
		seen[message] = true
		rep.Violations = append(rep.Violations, Violation{
			Kind: kind, EventID: ev.ID, TaskID: ev.TaskID, SliceID: ev.SliceID,
			Message: message, Refs: refs,
		})
	}

	for _, ev := range evs {
		before := len(rep.Violations)
		suppressed = false
		switch ev.Type {
		case events.TypeTaskCriticPassed:
			st.criticPassed[ev.TaskID] = true

		case events.TypeTaskFrozen:
			if !st.criticPassed[ev.TaskID] {
				add(ev, "frozen_without_critic",
					fmt.Sprintf("task %s frozen without a prior critic pass", ev.TaskID), nil)
			}
			refs := c.refsOr(ev, c.Store.FreezePath(ev.TaskID))
			for _, missing := range c.missingFiles(refs) {
				add(ev, "freeze_artifact_missing",
					fmt.Sprintf("freeze artifact %s does not exist", missing), refs)
			}
			st.frozen[ev.TaskID] = true

		case events.TypeTaskPlanApproved:
			if !st.frozen[ev.TaskID] {
				add(ev, "plan_approved_without_freeze",
					fmt.Sprintf("task %s plan approved without a prior freeze", ev.TaskID), nil)
			}
			refs := c.refsOr(ev, c.Store.PlanApprovalPath(ev.TaskID))
			for _, missing := range c.missingFiles(refs) {
				add(ev, "plan_approval_missing",
					fmt.Sprintf("plan approval artifact %s does not exist", missing), refs)
			}
			st.planApproved[ev.TaskID] = true

		case events.TypeProofPackWritten:
			path := c.manifestRef(ev)
			if !c.exists(path) {
				add(ev, "proof_pack_missing",
					fmt.Sprintf("proof-pack manifest %s does not exist", path), []string{path})
			}
			st.manifests[sliceKey(ev)] = path

		case events.TypeSliceCompleted:
			path, ok := st.manifests[sliceKey(ev)]
			if !ok {
				path = c.manifestRef(ev)
			}
			if !c.exists(path) {
				add(ev, "slice_complete_without_proof",
					fmt.Sprintf("slice %s/%s completed without an existing proof-pack manifest", ev.TaskID, ev.SliceID),
					[]string{path})
			}

		case events.TypeReadyValidated:
			if !st.planApproved[ev.TaskID] {
				add(ev, "ready_without_plan_approval",
					fmt.Sprintf("task %s ready-validated without a prior plan approval", ev.TaskID), nil)
			}
			proof := c.Store.ReadyProofPath(ev.TaskID)
			if !c.exists(proof) {
				add(ev, "ready_proof_missing",
					fmt.Sprintf("ready proof %s does not exist", proof), []string{proof})
			}
			handoff := c.Store.HandoffPath(ev.TaskID)
			if !c.exists(handoff) {
				add(ev, "handoff_missing",
					fmt.Sprintf("handoff document %s does not exist", handoff), []string{handoff})
			}
			st.readyValidated[ev.TaskID] = true

		case events.TypeReadyApproved:
			if !st.readyValidated[ev.TaskID] {
				add(ev, "ready_approved_without_validation",
					fmt.Sprintf("task %s ready-approved without a prior ready validation", ev.TaskID), nil)
			}
			refs := []string{
				c.Store.ReadyProofPath(ev.TaskID),
				c.Store.HandoffPath(ev.TaskID),
				c.Store.ReadyApprovalPath(ev.TaskID),
			}
			for _, missing := range c.missingFiles(refs) {
				add(ev, "ready_approval_missing",
					fmt.Sprintf("ready approval artifact %s does not exist", missing), refs)
			}

		case events.TypeRetroCompleted:
			refs := c.refsOr(ev, c.Store.RetroPath(ev.TaskID), c.Store.RetroPatchPath(ev.TaskID))
			for _, missing := range c.missingFiles(refs) {
				add(ev, "retro_artifact_missing",
					fmt.Sprintf("retro artifact %s does not exist", missing), refs)
			}

		default:
			continue
		}
		rep.Checks = append(rep.Checks, Check{
			Name:    checkName(ev),
			EventID: ev.ID,
			OK:      len(rep.Violations) == before && !suppressed,
		})
	}

	rep.Refs = mergeRefs(rep.Violations)
	if len(rep.Violations) > 0 {
		rep.Recommendation = strings.ReplaceAll(strings.ReplaceAll(
			remedialCommands[rep.Violations[0].Kind],
			"<task>", rep.Violations[0].TaskID),
			"<slice>", rep.Violations[0].SliceID)
	}
	return rep, nil
}

func checkName(ev domain.Event) string {
	if ev.SliceID != "" {
		return fmt.Sprintf("%s %s/%s", ev.Type, ev.TaskID, ev.SliceID)
	}
	return fmt.Sprintf("%s %s", ev.Type, ev.TaskID)
}

func sliceKey(ev domain.Event) string {
	return ev.ModuleID + "|" + ev.TaskID + "|" + ev.SliceID
}

// manifestRef prefers the event's own manifest reference, falling back to the
// canonical store path.
func (c Checker) manifestRef(ev domain.Event) string {
	for _, ref := range ev.ArtifactRefs {
		if strings.HasSuffix(ref, "manifest.json") {
			return ref
		}
	}
	return c.Store.ManifestPath(ev.TaskID, ev.SliceID)
}

func (c Checker) refsOr(ev domain.Event, fallback ...string) []string {
	if len(ev.ArtifactRefs) > 0 {
		return ev.ArtifactRefs
	}
	return fallback
}

func (c Checker) missingFiles(paths []string) []string {
	var missing []string
	for _, p := range paths {
		if !c.exists(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

func (c Checker) exists(path string) bool {
	if path == "" {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Store.Root, path)
	}
	_, err := os.Stat(path)
	return err == nil
}

func mergeRefs(violations []Violation) []string {
	set := map[string]bool{}
	for _, v := range violations {
		for _, r := range v.Refs {
			set[r] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
