// Package testrun runs a project's test command and summarises the outcome.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/shlex"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
)

// MaxDuration bounds every run regardless of the caller's context.
const MaxDuration = 10 * time.Minute

// maxOutput is how much of the combined output a report keeps, counted from the end.
const maxOutput = 64 << 10

// Suite runs a test command with extra arguments and environment entries.
type Suite interface {
	Run(ctx context.Context, extra, env []string) (Report, error)
}

// Runner executes a fixed command line. Callers only ever append arguments to it.
type Runner struct {
	argv  []string
	dir   string
	limit time.Duration
}

var _ Suite = (*Runner)(nil)

// New returns a runner for argv executed in dir.
func New(argv []string, dir string) *Runner {
	return &Runner{argv: argv, dir: dir, limit: MaxDuration}
}

// Factory builds a Runner from the command line in key, split with shell quoting rules,
// and the working directory in dirKey.
func Factory(key, def, dirKey string) resources.Factory {
	return func(_ context.Context, cfg *resources.Config) (any, error) {
		line := cfg.Optional(key, def)
		argv, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if len(argv) == 0 {
			return nil, &resources.ConfigurationMissingError{Kind: cfg.Kind(), Keys: []string{key}}
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			missing := &resources.ConfigurationMissingError{Kind: cfg.Kind(), Keys: []string{key}}
			return nil, fmt.Errorf("%q not found on PATH: %w", argv[0], missing)
		}
		dir := cfg.Optional(dirKey, "")
		if dir != "" {
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return nil, fmt.Errorf("%s %q is not a directory", dirKey, dir)
			}
		}
		return New(argv, dir), nil
	}
}

// Selection returns the arguments that narrow a run to path and to tests whose name matches
// pattern, passed with flag. Either may be empty.
func Selection(path, flag, pattern string) ([]string, error) {
	var extra []string
	if path != "" {
		if strings.HasPrefix(path, "-") {
			return nil, fmt.Errorf("invalid test path %q", path)
		}
		extra = append(extra, path)
	}
	if pattern != "" {
		extra = append(extra, flag, pattern)
	}
	return extra, nil
}

// Report is the outcome of one run. A failing suite is a report, not an error.
type Report struct {
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	Output   string        `json:"-"`
}

// Run executes the command with extra appended. CI=true is always set so runners skip watch
// modes and interactive prompts.
func (r *Runner) Run(ctx context.Context, extra, env []string) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.limit)
	defer cancel()

	args := append(append([]string(nil), r.argv[1:]...), extra...)
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	cmd.Dir = r.dir
	cmd.Env = append(append(os.Environ(), "CI=true"), env...)
	cmd.WaitDelay = 5 * time.Second

	rep := Report{Command: strings.Join(append([]string{r.argv[0]}, args...), " ")}
	start := time.Now()
	out, err := cmd.CombinedOutput()
	rep.Duration = time.Since(start)
	rep.Output = tail(string(out), maxOutput)

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return rep, fmt.Errorf("%s timed out after %s", rep.Command, r.limit)
	case ctx.Err() != nil:
		return rep, ctx.Err()
	case errors.As(err, &exitErr):
		rep.ExitCode = exitErr.ExitCode()
		return rep, nil
	case err != nil:
		return rep, fmt.Errorf("run %s: %w", rep.Command, err)
	}
	rep.Passed = true
	return rep, nil
}

// Result renders the report with its output as a text/plain resource at uri. A failed run is
// flagged as an error result.
func (r Report) Result(uri string) protocol.ToolResult {
	took := r.Duration.Round(time.Millisecond)
	summary := protocol.Textf("%s passed in %s", r.Command, took)
	if !r.Passed {
		summary = protocol.Textf("%s failed with exit code %d after %s", r.Command, r.ExitCode, took)
	}
	res := protocol.Result(summary, protocol.Resource(uri, "text/plain", r.Output))
	res.IsError = !r.Passed
	return res
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "[truncated]\n" + s[cut:]
}
