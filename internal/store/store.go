// Package store is the artifact store: atomic read/write of the structured
// JSON files under a module's state tree. Files are a cache of what the event
// log implies; every write goes through temp-file + rename so a crash never
// exposes a truncated artifact to a concurrent reader.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gateline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store addresses one module root.
type Store struct {
	Root string
}

func New(root string) Store {
	if root == "" {
		root = "."
	}
	return Store{Root: root}
}

// --- path layout ---

func (s Store) WorkspaceDir() string { return filepath.Join(s.Root, ".gateline") }

func (s Store) GlobalIncidentsPath() string {
	return filepath.Join(s.WorkspaceDir(), "incidents.jsonl")
}

func (s Store) TaskDir(taskID string) string {
	return filepath.Join(s.Root, "tasks", taskID)
}

func (s Store) TaskPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "task.json")
}

func (s Store) PlanPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "plan.md")
}

func (s Store) SlicesPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "slices.json")
}

func (s Store) FreezePath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "freeze.json")
}

func (s Store) PlanApprovalPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "approvals", "plan.json")
}

func (s Store) ReadyApprovalPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "approvals", "ready.json")
}

func (s Store) AcceptanceApprovalPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "approvals", "acceptance.json")
}

func (s Store) RetroPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "retro.md")
}

func (s Store) RetroPatchPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "retro_patch.json")
}

func (s Store) TaskIncidentsPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "incidents.jsonl")
}

func (s Store) RunDir(taskID string) string {
	return filepath.Join(s.Root, "run", "tasks", taskID)
}

func (s Store) ProofPath(taskID, sliceID, gate string) string {
	return filepath.Join(s.RunDir(taskID), "proofs", sliceID, gate+".json")
}

func (s Store) ManifestPath(taskID, sliceID string) string {
	return filepath.Join(s.RunDir(taskID), "proofs", sliceID, "manifest.json")
}

func (s Store) ReadyProofPath(taskID string) string {
	return filepath.Join(s.RunDir(taskID), "proofs", "ready.json")
}

func (s Store) HandoffPath(taskID string) string {
	return filepath.Join(s.RunDir(taskID), "proofs", "READY", "handoff.md")
}

func (s Store) LogsDir(taskID string) string {
	return filepath.Join(s.RunDir(taskID), "logs")
}

func (s Store) ContextDir(taskID string) string {
	return filepath.Join(s.RunDir(taskID), "context")
}

func (s Store) ReviewInputPath(taskID, sliceID string) string {
	return filepath.Join(s.ContextDir(taskID), "review-"+sliceID+".json")
}

// --- generic file ops ---

// WriteFileAtomic writes via a temp file in the target directory followed by
// rename, creating parent directories as needed.
func (s Store) WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return s.WriteFileAtomic(path, append(data, '\n'))
}

func (s Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.SchemaValidationError{Kind: "json", Path: path, Reason: err.Error()}
	}
	return nil
}

// AppendJSONL appends one record as a JSON line. Append is not atomic across
// records, but each line is written in a single syscall-sized chunk.
func (s Store) AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// --- typed artifact accessors ---

func (s Store) ReadTask(taskID string) (domain.Task, error) {
	var t domain.Task
	if err := s.readJSON(s.TaskPath(taskID), &t); err != nil {
		return t, err
	}
	if err := t.Validate(); err != nil {
		return t, withPath(err, s.TaskPath(taskID))
	}
	if t.Slices == nil {
		t.Slices = map[string]domain.SliceState{}
	}
	return t, nil
}

func (s Store) WriteTask(t domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.WriteJSON(s.TaskPath(t.ID), t)
}

func (s Store) ReadSlices(taskID string) ([]domain.SliceSpec, error) {
	var specs []domain.SliceSpec
	if err := s.readJSON(s.SlicesPath(taskID), &specs); err != nil {
		return nil, err
	}
	if err := domain.ValidateSliceSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (s Store) WriteSlices(taskID string, specs []domain.SliceSpec) error {
	if err := domain.ValidateSliceSpecs(specs); err != nil {
		return err
	}
	return s.WriteJSON(s.SlicesPath(taskID), specs)
}

func (s Store) ReadFreeze(taskID string) (domain.Freeze, error) {
	var f domain.Freeze
	if err := s.readJSON(s.FreezePath(taskID), &f); err != nil {
		return f, err
	}
	if err := f.Validate(); err != nil {
		return f, withPath(err, s.FreezePath(taskID))
	}
	return f, nil
}

func (s Store) ReadApproval(path string) (domain.Approval, error) {
	var a domain.Approval
	if err := s.readJSON(path, &a); err != nil {
		return a, err
	}
	if err := a.Validate(); err != nil {
		return a, withPath(err, path)
	}
	return a, nil
}

func (s Store) ReadProof(path string) (domain.Proof, error) {
	var p domain.Proof
	if err := s.readJSON(path, &p); err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, withPath(err, path)
	}
	return p, nil
}

func (s Store) ReadManifest(path string) (domain.Manifest, error) {
	var m domain.Manifest
	if err := s.readJSON(path, &m); err != nil {
		return m, err
	}
	if err := m.Validate(); err != nil {
		return m, withPath(err, path)
	}
	return m, nil
}

func (s Store) ReadReviewInput(taskID, sliceID string) (domain.ReviewInput, error) {
	var r domain.ReviewInput
	path := s.ReviewInputPath(taskID, sliceID)
	if err := s.readJSON(path, &r); err != nil {
		return r, err
	}
	if err := r.Validate(); err != nil {
		return r, withPath(err, path)
	}
	return r, nil
}

// ListTaskIDs returns the task ids present under tasks/, sorted.
func (s Store) ListTaskIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "tasks"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func withPath(err error, path string) error {
	var sv domain.SchemaValidationError
	if errors.As(err, &sv) {
		sv.Path = path
		return sv
	}
	return err
}
