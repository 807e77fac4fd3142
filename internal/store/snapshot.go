package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gateline/internal/domain"
)

// Directories excluded from filesystem snapshots: the state tree, runtime
// outputs, workspace metadata and VCS internals are not part of a slice's
// working set.
var snapshotSkip = map[string]bool{
	"tasks":     true,
	"run":       true,
	".gateline": true,
	".git":      true,
}

// Snapshot walks the module root and returns relative path -> sha256 hex for
// every regular file.
func (s Store) Snapshot() (map[string]string, error) {
	hashes := map[string]string{}
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(s.Root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel != "." && snapshotSkip[topSegment(rel)] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, hashErr := HashFile(path)
		if hashErr != nil {
			return hashErr
		}
		hashes[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// ChangedPaths diffs two snapshots: added, modified and removed paths, sorted.
func ChangedPaths(before, after map[string]string) []string {
	changed := map[string]bool{}
	for path, sum := range after {
		if prev, ok := before[path]; !ok || prev != sum {
			changed[path] = true
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changed[path] = true
		}
	}
	out := make([]string, 0, len(changed))
	for path := range changed {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func topSegment(rel string) string {
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		return rel[:i]
	}
	return rel
}

// HashFile returns the sha256 hex digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the sha256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHashes recomputes the live plan/slices hashes for a task.
func (s Store) ContentHashes(taskID string) (planSHA, slicesSHA string, err error) {
	planSHA, err = HashFile(s.PlanPath(taskID))
	if err != nil {
		return "", "", err
	}
	slicesSHA, err = HashFile(s.SlicesPath(taskID))
	if err != nil {
		return "", "", err
	}
	return planSHA, slicesSHA, nil
}

// CheckDrift compares the live plan/slices hashes against a freeze record.
// A freeze is valid only while both hashes still match.
func (s Store) CheckDrift(taskID string) error {
	frozen, err := s.ReadFreeze(taskID)
	if err != nil {
		return err
	}
	planSHA, slicesSHA, err := s.ContentHashes(taskID)
	if err != nil {
		return err
	}
	if planSHA != frozen.PlanSHA256 {
		return domain.DriftError{Artifact: "plan.md", Want: frozen.PlanSHA256, Got: planSHA}
	}
	if slicesSHA != frozen.SlicesSHA256 {
		return domain.DriftError{Artifact: "slices.json", Want: frozen.SlicesSHA256, Got: slicesSHA}
	}
	return nil
}
