package gates

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/store"
)

// Ready is the task-level aggregate gate: it walks every slice's spec and
// requires a passing proof for each declared gate, plus freeze validity, a
// plan approval and, when the profile demands it, a recorded user-acceptance
// approval. It returns the consolidated readiness proof and the handoff
// document text for manual smoke testing.
func Ready(st store.Store, task domain.Task, specs []domain.SliceSpec, prof config.Profile, now time.Time) (domain.Proof, string) {
	var checks []domain.ReadyCheck
	add := func(name string, passed bool, msg string) {
		checks = append(checks, domain.ReadyCheck{Name: name, Passed: passed, Message: msg})
	}

	if err := st.CheckDrift(task.ID); err != nil {
		add("freeze_valid", false, err.Error())
	} else {
		add("freeze_valid", true, "")
	}

	if _, err := st.ReadApproval(st.PlanApprovalPath(task.ID)); err != nil {
		add("plan_approved", false, approvalMessage(err, "plan approval"))
	} else {
		add("plan_approved", true, "")
	}

	e2eNeeded := prof.E2ERequired
	for _, spec := range specs {
		for _, gate := range spec.RequiredGates {
			name := fmt.Sprintf("slice:%s:%s", spec.SliceID, gate)
			proof, err := st.ReadProof(st.ProofPath(task.ID, spec.SliceID, gate))
			switch {
			case err != nil:
				add(name, false, fmt.Sprintf("no %s proof recorded", gate))
			case !proof.Passed:
				add(name, false, fmt.Sprintf("%s proof records a failure", gate))
			case gate == domain.GateVerify && proof.ExecutedCount == 0:
				add(name, false, "verify proof has zero executed commands")
			case gate == domain.GateReview && (proof.P0 != 0 || proof.P1 != 0):
				add(name, false, fmt.Sprintf("review proof has %d p0 and %d p1 findings", proof.P0, proof.P1))
			default:
				add(name, true, "")
			}
		}
		if spec.E2ERequired {
			e2eNeeded = true
		}
	}

	if e2eNeeded {
		for _, spec := range specs {
			if !spec.E2ERequired && !prof.E2ERequired {
				continue
			}
			name := fmt.Sprintf("slice:%s:e2e", spec.SliceID)
			proof, err := st.ReadProof(st.ProofPath(task.ID, spec.SliceID, domain.GateE2E))
			switch {
			case err != nil:
				add(name, false, "no e2e proof recorded")
			case !proof.Passed:
				add(name, false, "e2e proof records a failure")
			default:
				add(name, true, "")
			}
		}
	}

	if prof.RequireAcceptance {
		if _, err := st.ReadApproval(st.AcceptanceApprovalPath(task.ID)); err != nil {
			add("user_acceptance", false, approvalMessage(err, "user-acceptance approval"))
		} else {
			add("user_acceptance", true, "")
		}
	}

	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
			break
		}
	}
	proof := domain.Proof{
		Kind:      domain.GateReady,
		Passed:    passed,
		CheckedAt: now.UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	return proof, handoffDocument(task, specs, proof, now)
}

func approvalMessage(err error, what string) string {
	if errors.Is(err, store.ErrNotFound) {
		return what + " not recorded"
	}
	return err.Error()
}

// handoffDocument renders the manual smoke-test steps referenced by the
// later ready approval.
func handoffDocument(task domain.Task, specs []domain.SliceSpec, proof domain.Proof, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff: task %s\n\n", task.ID)
	fmt.Fprintf(&b, "Generated %s by gateline %s.\n\n", now.UTC().Format(time.RFC3339), domain.EngineVersion)
	if proof.Passed {
		b.WriteString("Readiness validation passed. Walk the smoke steps below before approving.\n\n")
	} else {
		b.WriteString("Readiness validation FAILED; see the checks table before doing anything else.\n\n")
	}
	b.WriteString("## Checks\n\n")
	for _, c := range proof.Checks {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "- [%s] %s", mark, c.Name)
		if c.Message != "" {
			fmt.Fprintf(&b, ": %s", c.Message)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\n## Manual smoke steps\n\n")
	for _, spec := range specs {
		fmt.Fprintf(&b, "### Slice %s\n\n", spec.SliceID)
		if len(spec.AllowedPaths) > 0 {
			fmt.Fprintf(&b, "1. Inspect the changes under: %s\n", strings.Join(spec.AllowedPaths, ", "))
		}
		for i, cmd := range spec.VerifyCommands {
			fmt.Fprintf(&b, "%d. Re-run `%s` and confirm a zero exit.\n", i+2, cmd)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
