package gates

import (
	"time"

	"gateline/internal/domain"
	"gateline/internal/runner"
)

// Verify runs the slice's verify commands through the policy-checked runner.
// The gate passes iff every command exited 0 and at least one command ran. A
// policy violation aborts the whole gate with the PolicyError itself, not a
// failed proof.
func Verify(r *runner.Runner, commands []string, required bool, now time.Time) (domain.Proof, error) {
	if required && len(commands) == 0 {
		return domain.Proof{}, domain.ConfigurationError{Reason: "verify gate required but no verify_commands declared"}
	}
	return runCommands(domain.GateVerify, r, commands, now)
}

// E2E uses verify's execution model without command-policy enforcement. The
// caller only invokes it when the slice spec or active profile demands e2e.
func E2E(r *runner.Runner, commands []string, now time.Time) (domain.Proof, error) {
	if len(commands) == 0 {
		return domain.Proof{}, domain.ConfigurationError{Reason: "e2e required but no e2e_commands declared"}
	}
	return runCommands(domain.GateE2E, r, commands, now)
}

func runCommands(kind string, r *runner.Runner, commands []string, now time.Time) (domain.Proof, error) {
	proof := domain.Proof{
		Kind:      kind,
		CheckedAt: now.UTC().Format(time.RFC3339),
	}
	allZero := true
	for _, raw := range commands {
		res, err := r.Run(raw)
		if err != nil {
			return domain.Proof{}, err
		}
		proof.Commands = append(proof.Commands, domain.CommandOutcome{
			Command:  res.Command,
			ExitCode: res.ExitCode,
			LogPath:  res.LogPath,
		})
		proof.ExecutedCount++
		if res.ExitCode != 0 {
			allZero = false
		}
	}
	proof.Passed = allZero && proof.ExecutedCount > 0
	return proof, nil
}
