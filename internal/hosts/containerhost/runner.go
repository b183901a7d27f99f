package containerhost

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/xscopehub/toolhost/internal/resources"
)

// maxCommandDuration bounds every docker CLI invocation.
const maxCommandDuration = 10 * time.Minute

// CommandRunner executes a CLI command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

type cliRunner struct {
	binary string
}

var _ CommandRunner = (*cliRunner)(nil)

func newTaskRunner(_ context.Context, cfg *resources.Config) (any, error) {
	name := cfg.Optional("DOCKER_CLI", "docker")
	path, err := exec.LookPath(name)
	if err != nil {
		missing := &resources.ConfigurationMissingError{Kind: KindTaskRunner, Keys: []string{"DOCKER_CLI"}}
		return nil, fmt.Errorf("docker CLI %q not found on PATH: %w", name, missing)
	}
	return &cliRunner{binary: path}, nil
}

func (r *cliRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, maxCommandDuration)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return string(out), fmt.Errorf("docker %s timed out after %s", strings.Join(args, " "), maxCommandDuration)
		}
		return string(out), fmt.Errorf("docker %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}
