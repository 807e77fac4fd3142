// Package runner executes verify/e2e commands for the gate pipeline.
// Execution is synchronous and blocking with no timeout or cancellation: a
// command runs to completion or the engine process itself is killed. That is
// deliberate; do not add enforcement here without a product decision.
package runner

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
)

// Runner runs commands in one module working directory and writes a
// timestamped log file per command.
type Runner struct {
	Dir    string
	LogDir string
	Policy *config.CommandPolicy
	Now    func() time.Time

	// seq disambiguates log filenames when Now is an injected fixed clock.
	seq atomic.Uint64
}

// Result captures one completed command.
type Result struct {
	Command  string
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	LogPath  string
}

// Tokenize splits a raw command string into an argv. Single and double
// quotes group words; a pipe character anywhere is rejected outright, as a
// security boundary rather than a shell feature gap.
func Tokenize(raw string) ([]string, error) {
	if strings.Contains(raw, "|") {
		return nil, domain.PolicyError{Command: raw, Reason: "pipelines are not permitted"}
	}
	var argv []string
	var cur strings.Builder
	inWord := false
	quote := byte(0)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				argv = append(argv, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, domain.PolicyError{Command: raw, Reason: "unterminated quote"}
	}
	if inWord {
		argv = append(argv, cur.String())
	}
	if len(argv) == 0 {
		return nil, domain.PolicyError{Command: raw, Reason: "empty command"}
	}
	return argv, nil
}

// CheckPolicy validates argv[0] against the operator allow/deny lists. Deny
// wins; a non-empty allow list permits only its members.
func (r *Runner) CheckPolicy(argv []string) error {
	if r.Policy == nil {
		return nil
	}
	head := filepath.Base(argv[0])
	for _, tok := range r.Policy.Deny {
		if head == tok || argv[0] == tok {
			return domain.PolicyError{Command: argv[0], Reason: "command is denied by policy"}
		}
	}
	if len(r.Policy.Allow) == 0 {
		return nil
	}
	for _, tok := range r.Policy.Allow {
		if head == tok || argv[0] == tok {
			return nil
		}
	}
	return domain.PolicyError{Command: argv[0], Reason: "command is not on the allow list"}
}

// Run tokenizes, policy-checks and executes one raw command to completion,
// then writes its log file. A non-zero exit is a normal Result, not an
// error; errors are reserved for policy violations and log I/O.
func (r *Runner) Run(raw string) (Result, error) {
	argv, err := Tokenize(raw)
	if err != nil {
		return Result{}, err
	}
	if err := r.CheckPolicy(argv); err != nil {
		return Result{}, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{Command: raw, Argv: argv}
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// command failed to start (missing binary, bad permissions)
			res.ExitCode = -1
			fmt.Fprintf(&stderr, "start: %v\n", err)
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	logPath, logErr := r.writeLog(res)
	if logErr != nil {
		return res, logErr
	}
	res.LogPath = logPath
	return res, nil
}

func (r *Runner) writeLog(res Result) (string, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	timestamp := now().UTC().Format("20060102-150405.000000000")
	path := filepath.Join(r.LogDir, fmt.Sprintf("cmd-%s-%04d.log", timestamp, r.seq.Add(1)))
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	content := fmt.Sprintf("$ %s\nexit: %d\n\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
		res.Command, res.ExitCode, res.Stdout, res.Stderr)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write log: %w", err)
	}
	return path, nil
}
