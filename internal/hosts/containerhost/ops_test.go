package containerhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/toolhost/internal/host/hosttest"
	"github.com/xscopehub/toolhost/internal/protocol"
)

func TestRestartContainer(t *testing.T) {
	d := sampleDocker()
	h := hosttest.New(t, withFakes(d, &fakeRunner{}), nil)

	res := h.Call("restart_container", map[string]any{"id": "api"})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "container api restarted", res.FirstText())
	assert.Equal(t, []string{"stop(10) api", "start api"}, d.actions)

	h.Call("restart_container", map[string]any{"id": "api", "graceful": false, "timeout_seconds": 3})
	assert.Equal(t, "restart(3) api", d.actions[2])

	res = h.Call("restart_container", map[string]any{"id": "ghost"})
	assert.True(t, res.IsError)
	assert.Equal(t, "container ghost not found", res.FirstText())
}

func TestContainerHealth(t *testing.T) {
	d := sampleDocker()
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.inspected["db"] = types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: "db", State: &types.ContainerState{
			Status: "running",
			Health: &types.Health{
				Status:        "unhealthy",
				FailingStreak: 3,
				Log: []*types.HealthcheckResult{
					{End: end.Add(-time.Minute), ExitCode: 0, Output: "ok"},
					{End: end, ExitCode: 1, Output: "connection refused\n"},
				},
			},
		}},
		Config: &container.Config{},
	}
	h := hosttest.New(t, withFakes(d, &fakeRunner{}), nil)

	res := h.Call("container_health", map[string]any{"id": "db"})
	assert.True(t, res.IsError)
	assert.Equal(t, "container db health: unhealthy", res.FirstText())
	part := res.Content[1].(protocol.ResourcePart)
	assert.Contains(t, part.Text, `"failing_streak": 3`)
	assert.Contains(t, part.Text, `"last_output": "connection refused"`)

	res = h.Call("container_health", map[string]any{"id": "api"})
	assert.False(t, res.IsError)
	assert.Equal(t, "container api health: no health check", res.FirstText())
}

func TestReadSecret(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db_password"), []byte("s3cr3t-value-123\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pin"), []byte("1234"), 0o600))
	ws := &workspace{SecretsPath: dir}
	h := hosttest.New(t, withWorkspace(sampleDocker(), &fakeRunner{}, ws), nil)

	res := h.Call("read_secret", map[string]any{"name": "db_password"})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "secret db_password is present (16 bytes)", res.FirstText())
	part := res.Content[1].(protocol.ResourcePart)
	assert.Contains(t, part.Text, `"preview": "s3cr****"`)
	assert.NotContains(t, part.Text, "s3cr3t-value")

	res = h.Call("read_secret", map[string]any{"name": "pin"})
	assert.Contains(t, res.Content[1].(protocol.ResourcePart).Text, `"preview": "****"`)

	res = h.Call("read_secret", map[string]any{"name": "missing"})
	assert.True(t, res.IsError)
	assert.Equal(t, "secret missing not found in "+dir, res.FirstText())

	res = h.Call("read_secret", map[string]any{"name": "../etc/passwd"})
	assert.True(t, res.IsError)
	assert.Equal(t, `invalid secret name "../etc/passwd"`, res.FirstText())
}

func TestMaskKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "****", mask("12345678"))
	assert.Equal(t, "pass****", mask("password1"))
	got := mask("пароль-секрет")
	assert.Equal(t, "паро****", got)
	assert.True(t, utf8.ValidString(got))
}

func TestInfoAndComposeResources(t *testing.T) {
	dir := t.TempDir()
	compose := filepath.Join(dir, "docker-compose.yml")
	body := "services:\n  api:\n    image: api:1\n"
	require.NoError(t, os.WriteFile(compose, []byte(body), 0o644))
	h := hosttest.New(t, withWorkspace(sampleDocker(), &fakeRunner{}, &workspace{ComposeFile: compose}), nil)

	info := h.Read("docker://info")
	assert.Contains(t, info.Text, `"containers_running": 1`)
	assert.Contains(t, info.Text, `"driver": "overlay2"`)

	read := h.Read("docker://compose")
	assert.Equal(t, "application/yaml", read.MIMEType)
	assert.Equal(t, body, read.Text)

	require.NoError(t, os.WriteFile(compose, []byte("version: '3'\n"), 0o644))
	read = h.Read("docker://compose")
	assert.Equal(t, "text/plain", read.MIMEType)
	assert.Contains(t, read.Text, "defines no services")
}

func TestWorkspaceDefaults(t *testing.T) {
	h := hosttest.New(t, Install, map[string]string{"COMPOSE_FILE": "stack.yml"})
	ws, err := h.Handles.Acquire(context.Background(), KindWorkspace)
	require.NoError(t, err)
	assert.Equal(t, &workspace{SecretsPath: "/run/secrets", ComposeFile: "stack.yml"}, ws)
}
