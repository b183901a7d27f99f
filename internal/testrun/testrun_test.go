package testrun

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/toolhost/internal/resources"
)

func script(body string) *Runner {
	return New([]string{"sh", "-c", body, "suite"}, "")
}

func TestRunPassing(t *testing.T) {
	rep, err := script(`echo "ci=$CI args=$*"`).Run(context.Background(), []string{"-t", "login"}, nil)
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.Zero(t, rep.ExitCode)
	assert.Equal(t, "ci=true args=-t login\n", rep.Output)
	assert.True(t, strings.HasSuffix(rep.Command, "suite -t login"))

	res := rep.Result("test://output")
	assert.False(t, res.IsError)
	assert.Contains(t, res.FirstText(), "passed in")
}

func TestRunFailingIsAReport(t *testing.T) {
	rep, err := script(`echo "2 failed"; exit 3`).Run(context.Background(), nil, []string{"HEADLESS=true"})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.Equal(t, 3, rep.ExitCode)

	res := rep.Result("test://output")
	assert.True(t, res.IsError)
	assert.Contains(t, res.FirstText(), "failed with exit code 3")
	require.Len(t, res.Content, 2)
}

func TestRunPassesEnvironment(t *testing.T) {
	rep, err := script(`echo "$HEADLESS"`).Run(context.Background(), nil, []string{"HEADLESS=true"})
	require.NoError(t, err)
	assert.Equal(t, "true\n", rep.Output)
}

func TestRunStopsAtLimit(t *testing.T) {
	r := script(`exec sleep 5`)
	r.limit = 100 * time.Millisecond
	start := time.Now()
	_, err := r.Run(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after 100ms")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunInDirectory(t *testing.T) {
	dir := t.TempDir()
	rep, err := New([]string{"sh", "-c", "pwd"}, dir).Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Contains(t, rep.Output, dir)
}

func TestTailKeepsTheEnd(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	out := tail("aaaaé"+strings.Repeat("b", 4), 5)
	assert.Equal(t, "[truncated]\n"+strings.Repeat("b", 4), out)
}

func TestSelection(t *testing.T) {
	extra, err := Selection("src/login.test.ts", "-t", "signs in")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/login.test.ts", "-t", "signs in"}, extra)

	extra, err = Selection("", "-g", "")
	require.NoError(t, err)
	assert.Empty(t, extra)

	_, err = Selection("--config=evil.js", "-t", "")
	assert.EqualError(t, err, `invalid test path "--config=evil.js"`)
}

func acquire(t *testing.T, env resources.MapEnv) (any, error) {
	t.Helper()
	m := resources.NewManager(env, nil)
	require.NoError(t, m.Register("test-suite", Factory("TEST_COMMAND", "sh -c 'exit 0'", "TEST_WORKDIR")))
	return m.Acquire(context.Background(), "test-suite")
}

func TestFactorySplitsCommand(t *testing.T) {
	dir := t.TempDir()
	h, err := acquire(t, resources.MapEnv{"TEST_COMMAND": `sh -c "echo 'one two'"`, "TEST_WORKDIR": dir})
	require.NoError(t, err)
	r := h.(*Runner)
	assert.Equal(t, []string{"sh", "-c", "echo 'one two'"}, r.argv)
	assert.Equal(t, dir, r.dir)

	rep, err := r.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "one two\n", rep.Output)
}

func TestFactoryDefaultCommand(t *testing.T) {
	h, err := acquire(t, resources.MapEnv{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "exit 0"}, h.(*Runner).argv)
}

func TestFactoryMissingBinary(t *testing.T) {
	_, err := acquire(t, resources.MapEnv{"TEST_COMMAND": "no-such-test-runner-binary --ci"})
	require.Error(t, err)
	assert.ErrorIs(t, err, resources.ErrConfigurationMissing)
	assert.Contains(t, err.Error(), "TEST_COMMAND")
}

func TestFactoryRejectsMissingDirectory(t *testing.T) {
	_, err := acquire(t, resources.MapEnv{"TEST_WORKDIR": "/does/not/exist"})
	assert.EqualError(t, err, `TEST_WORKDIR "/does/not/exist" is not a directory`)
}
