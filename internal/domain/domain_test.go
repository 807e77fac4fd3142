package domain

import (
	"errors"
	"testing"
	"time"
)

func TestValidateSliceSpecs(t *testing.T) {
	ok := []SliceSpec{
		{SliceID: "a", RequiredGates: []string{"scope", "verify"}},
		{SliceID: "b", Deps: []string{"a"}},
		{SliceID: "c", Deps: []string{"a", "b"}},
	}
	if err := ValidateSliceSpecs(ok); err != nil {
		t.Fatalf("valid specs rejected: %v", err)
	}

	var cfgErr ConfigurationError
	var schemaErr SchemaValidationError

	cycle := []SliceSpec{
		{SliceID: "a", Deps: []string{"b"}},
		{SliceID: "b", Deps: []string{"a"}},
	}
	if err := ValidateSliceSpecs(cycle); !errors.As(err, &cfgErr) {
		t.Fatalf("cycle: %v", err)
	}

	unknownDep := []SliceSpec{{SliceID: "a", Deps: []string{"ghost"}}}
	if err := ValidateSliceSpecs(unknownDep); !errors.As(err, &cfgErr) {
		t.Fatalf("unknown dep: %v", err)
	}

	dup := []SliceSpec{{SliceID: "a"}, {SliceID: "a"}}
	if err := ValidateSliceSpecs(dup); !errors.As(err, &schemaErr) {
		t.Fatalf("duplicate id: %v", err)
	}

	badGate := []SliceSpec{{SliceID: "a", RequiredGates: []string{"fuzz"}}}
	if err := ValidateSliceSpecs(badGate); !errors.As(err, &schemaErr) {
		t.Fatalf("unknown gate: %v", err)
	}
}

func TestNewTaskDefaults(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	task, err := NewTask("t-1", "mod-1", "a title", "standard", "", 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskDraft {
		t.Fatalf("status = %s", task.Status)
	}
	if task.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", task.MaxAttempts)
	}
	if task.CreatedAt != "2025-05-01T09:00:00Z" {
		t.Fatalf("created_at = %s", task.CreatedAt)
	}

	if _, err := NewTask("", "mod-1", "a title", "standard", "", 0, now); err == nil {
		t.Fatal("empty id must be rejected")
	}
}
