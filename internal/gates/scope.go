// Package gates implements the four per-slice gates (scope, verify, review,
// e2e) and the task-level ready gate. Each gate is a pure function from its
// declared inputs to a Proof; callers persist the proof and append events.
package gates

import (
	"fmt"
	"path"
	"strings"
	"time"

	"gateline/internal/domain"
)

// NormalizePrefixes cleans an allowed-path list: slash separators, no
// trailing slash, empties dropped.
func NormalizePrefixes(prefixes []string) []string {
	var out []string
	for _, p := range prefixes {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
		p = strings.TrimSuffix(path.Clean(p), "/")
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PathAllowed reports whether a changed path falls under one of the allowed
// prefixes. A path matches iff it equals a prefix exactly or starts with
// prefix+"/"; bare substring prefixes do not count ("srcfoo" is not "src").
func PathAllowed(changed string, prefixes []string) bool {
	for _, p := range prefixes {
		if changed == p || strings.HasPrefix(changed, p+"/") {
			return true
		}
	}
	return false
}

// Scope checks every changed path against the slice's allowed prefixes. A
// required scope gate with no allowed paths is a configuration error, caught
// before anything is judged.
func Scope(changedPaths, allowedPaths []string, required bool, now time.Time) (domain.Proof, error) {
	prefixes := NormalizePrefixes(allowedPaths)
	if required && len(prefixes) == 0 {
		return domain.Proof{}, domain.ConfigurationError{Reason: "scope gate required but allowed_paths is empty"}
	}
	var violations []string
	for _, p := range changedPaths {
		if !PathAllowed(p, prefixes) {
			violations = append(violations, fmt.Sprintf("path %s outside allowed prefixes", p))
		}
	}
	return domain.Proof{
		Kind:         domain.GateScope,
		Passed:       len(violations) == 0,
		CheckedAt:    now.UTC().Format(time.RFC3339),
		ChangedPaths: changedPaths,
		AllowedPaths: prefixes,
		Violations:   violations,
	}, nil
}
