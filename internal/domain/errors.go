package domain

import (
	"fmt"
	"strings"
)

// SchemaValidationError means persisted JSON is missing required keys or has
// the wrong shape: corrupt or foreign state, not a user mistake.
type SchemaValidationError struct {
	Kind    string
	Path    string
	Missing []string
	Reason  string
}

func (e SchemaValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid %s artifact", e.Kind)
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// TransitionError is an illegal task status transition request.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// PolicyError is a forbidden command token or pipeline syntax in a verify
// command. It aborts the whole gate before anything executes.
type PolicyError struct {
	Command string
	Reason  string
}

func (e PolicyError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("command policy: %s", e.Reason)
	}
	return fmt.Sprintf("command policy: %s: %s", e.Reason, e.Command)
}

// ConfigurationError is a required gate declared with no usable
// configuration, e.g. empty allowed paths or zero verify commands.
type ConfigurationError struct {
	Reason string
}

func (e ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// DriftError means the live plan/spec hash no longer matches the freeze.
type DriftError struct {
	Artifact string
	Want     string
	Got      string
}

func (e DriftError) Error() string {
	return fmt.Sprintf("freeze drift on %s: frozen %s, live %s", e.Artifact, short(e.Want), short(e.Got))
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
