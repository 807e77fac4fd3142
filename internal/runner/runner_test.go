package runner_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/runner"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"go test ./...", []string{"go", "test", "./..."}},
		{`echo "two words"`, []string{"echo", "two words"}},
		{`echo 'single quoted'`, []string{"echo", "single quoted"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
	}
	for _, c := range cases {
		argv, err := runner.Tokenize(c.raw)
		if err != nil {
			t.Fatalf("Tokenize(%q): %v", c.raw, err)
		}
		if strings.Join(argv, "\x00") != strings.Join(c.want, "\x00") {
			t.Fatalf("Tokenize(%q) = %v, want %v", c.raw, argv, c.want)
		}
	}
}

func TestTokenizeRejections(t *testing.T) {
	for _, raw := range []string{"cat f | grep x", "a|b", `echo "open`, "   "} {
		_, err := runner.Tokenize(raw)
		var pe domain.PolicyError
		if !errors.As(err, &pe) {
			t.Fatalf("Tokenize(%q): expected PolicyError, got %v", raw, err)
		}
	}
}

func TestCheckPolicy(t *testing.T) {
	r := &runner.Runner{Policy: &config.CommandPolicy{
		Allow: []string{"go", "make"},
		Deny:  []string{"rm"},
	}}
	if err := r.CheckPolicy([]string{"go", "test"}); err != nil {
		t.Fatalf("go should be allowed: %v", err)
	}
	if err := r.CheckPolicy([]string{"/usr/bin/make"}); err != nil {
		t.Fatalf("basename should match allow list: %v", err)
	}
	if err := r.CheckPolicy([]string{"rm", "-rf", "/"}); err == nil {
		t.Fatal("rm should be denied")
	}
	if err := r.CheckPolicy([]string{"curl"}); err == nil {
		t.Fatal("curl is not on the allow list")
	}
	// deny wins even when also allowed
	r2 := &runner.Runner{Policy: &config.CommandPolicy{Allow: []string{"rm"}, Deny: []string{"rm"}}}
	if err := r2.CheckPolicy([]string{"rm"}); err == nil {
		t.Fatal("deny should win over allow")
	}
}

func TestRunCapturesExitAndLog(t *testing.T) {
	dir := t.TempDir()
	r := &runner.Runner{Dir: dir, LogDir: filepath.Join(dir, "logs")}

	res, err := r.Run("sh -c 'echo out; echo err 1>&2'")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "out") || !strings.Contains(res.Stderr, "err") {
		t.Fatalf("streams not captured: %+v", res)
	}
	data, err := os.ReadFile(res.LogPath)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), "exit: 0") || !strings.Contains(string(data), "out") {
		t.Fatalf("log content %q", data)
	}

	res, err = r.Run("sh -c 'exit 3'")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", res.ExitCode)
	}
}

func TestRunLogPathsUniqueUnderFixedClock(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	r := &runner.Runner{
		Dir:    dir,
		LogDir: filepath.Join(dir, "logs"),
		Now:    func() time.Time { return fixed },
	}
	first, err := r.Run("sh -c 'echo first'")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	second, err := r.Run("sh -c 'echo second'")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if first.LogPath == second.LogPath {
		t.Fatalf("log paths collide: %s", first.LogPath)
	}
	data, err := os.ReadFile(first.LogPath)
	if err != nil {
		t.Fatalf("first log: %v", err)
	}
	if !strings.Contains(string(data), "first") {
		t.Fatalf("first log overwritten: %q", data)
	}
}

func TestRunMissingBinary(t *testing.T) {
	dir := t.TempDir()
	r := &runner.Runner{Dir: dir, LogDir: filepath.Join(dir, "logs")}
	res, err := r.Run("definitely-not-a-binary-xyz")
	if err != nil {
		t.Fatalf("start failure should be a Result: %v", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit = %d, want -1", res.ExitCode)
	}
}

func TestRunDeniedCommandDoesNotExecute(t *testing.T) {
	dir := t.TempDir()
	r := &runner.Runner{
		Dir:    dir,
		LogDir: filepath.Join(dir, "logs"),
		Policy: &config.CommandPolicy{Deny: []string{"touch"}},
	}
	_, err := r.Run("touch should-not-exist")
	var pe domain.PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "should-not-exist")); statErr == nil {
		t.Fatal("denied command ran anyway")
	}
}
