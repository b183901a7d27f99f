package containerhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/host/hosttest"
	"github.com/xscopehub/toolhost/internal/protocol"
)

type fakeDocker struct {
	containers []types.Container
	inspected  map[string]types.ContainerJSON
	logs       []byte
	lastList   container.ListOptions
	lastLogs   container.LogsOptions
	actions    []string
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.lastList = opts
	if opts.All {
		return f.containers, nil
	}
	var running []types.Container
	for _, c := range f.containers {
		if c.State == "running" {
			running = append(running, c)
		}
	}
	return running, nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	info, ok := f.inspected[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("No such container: " + id))
	}
	return info, nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, opts container.LogsOptions) (io.ReadCloser, error) {
	f.lastLogs = opts
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ServerVersion(context.Context) (types.Version, error) {
	return types.Version{Version: "25.0.6", APIVersion: "1.44", Os: "linux", Arch: "amd64"}, nil
}

func (f *fakeDocker) lifecycle(action, id string) error {
	if _, ok := f.inspected[id]; !ok {
		return errdefs.NotFound(errors.New("No such container: " + id))
	}
	f.actions = append(f.actions, action+" "+id)
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	return f.lifecycle(fmt.Sprintf("stop(%d)", *opts.Timeout), id)
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	return f.lifecycle("start", id)
}

func (f *fakeDocker) ContainerRestart(_ context.Context, id string, opts container.StopOptions) error {
	return f.lifecycle(fmt.Sprintf("restart(%d)", *opts.Timeout), id)
}

func (f *fakeDocker) Info(context.Context) (system.Info, error) {
	return system.Info{Containers: 2, ContainersRunning: 1, ContainersStopped: 1, Images: 7, Driver: "overlay2", NCPU: 8}, nil
}

func (f *fakeDocker) Close() error { return nil }

type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	dirs   []string
	output string
	err    error
}

func (r *fakeRunner) Run(_ context.Context, dir string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	r.dirs = append(r.dirs, dir)
	return r.output, r.err
}

func withFakes(d *fakeDocker, r *fakeRunner) func(*host.Registrar) error {
	return withWorkspace(d, r, &workspace{SecretsPath: "/nonexistent", ComposeFile: "/nonexistent/docker-compose.yml"})
}

func withWorkspace(d *fakeDocker, r *fakeRunner, ws *workspace) func(*host.Registrar) error {
	return func(reg *host.Registrar) error {
		h := newHandlers(reg.Handles)
		h.docker = func(context.Context) (dockerAPI, error) { return d, nil }
		h.runner = func(context.Context) (CommandRunner, error) { return r, nil }
		h.workspace = func(context.Context) (*workspace, error) { return ws, nil }
		return errors.Join(h.registerTools(reg), h.registerOpsTools(reg), h.registerResources(reg))
	}
}

func sampleDocker() *fakeDocker {
	return &fakeDocker{
		containers: []types.Container{
			{ID: "0123456789abcdef0123", Names: []string{"/api"}, Image: "api:1", State: "running", Status: "Up 2 hours"},
			{ID: "fedcba9876543210fedc", Names: []string{"/worker"}, Image: "worker:1", State: "exited", Status: "Exited (0)"},
		},
		inspected: map[string]types.ContainerJSON{
			"api": {
				ContainerJSONBase: &types.ContainerJSONBase{ID: "0123456789abcdef0123", State: &types.ContainerState{Status: "running"}},
				Config:            &container.Config{Tty: false},
			},
			"tty": {
				ContainerJSONBase: &types.ContainerJSONBase{ID: "tty", State: &types.ContainerState{Status: "running"}},
				Config:            &container.Config{Tty: true},
			},
		},
	}
}

func TestInstallRegistersTools(t *testing.T) {
	h := hosttest.New(t, Install, nil)
	assert.Equal(t, []string{
		"list_containers", "inspect_container", "container_logs", "list_images", "build_image", "compose",
		"restart_container", "container_health", "read_secret",
	}, h.Tools.Names())
	assert.Equal(t, []string{
		"docker://daemon/version", "docker://containers", "docker://info", "docker://compose",
	}, h.Resources.URIs())
}

func TestListContainers(t *testing.T) {
	d := sampleDocker()
	h := hosttest.New(t, withFakes(d, &fakeRunner{}), nil)

	res := h.Call("list_containers", nil)
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "1 container(s)", res.FirstText())
	assert.False(t, d.lastList.All)

	res = h.Call("list_containers", map[string]any{"all": true})
	assert.Equal(t, "2 container(s)", res.FirstText())
	part := res.Content[1].(protocol.ResourcePart)
	assert.Contains(t, part.Text, `"id": "0123456789ab"`)
	assert.Contains(t, part.Text, `"worker"`)
	assert.NotContains(t, part.Text, `"/worker"`)
}

func TestInspectContainer(t *testing.T) {
	h := hosttest.New(t, withFakes(sampleDocker(), &fakeRunner{}), nil)

	res := h.Call("inspect_container", map[string]any{"id": "api"})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "container api is running", res.FirstText())

	res = h.Call("inspect_container", map[string]any{"id": "ghost"})
	assert.True(t, res.IsError)
	assert.Equal(t, "container ghost not found", res.FirstText())
}

func TestContainerLogsDemultiplexes(t *testing.T) {
	d := sampleDocker()
	var stream bytes.Buffer
	_, err := stdcopy.NewStdWriter(&stream, stdcopy.Stdout).Write([]byte("listening on :8080\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&stream, stdcopy.Stderr).Write([]byte("warning: slow query\n"))
	require.NoError(t, err)
	d.logs = stream.Bytes()

	h := hosttest.New(t, withFakes(d, &fakeRunner{}), nil)
	res := h.Call("container_logs", map[string]any{"id": "api"})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "listening on :8080\nwarning: slow query\n", res.FirstText())
	assert.Equal(t, "100", d.lastLogs.Tail)
	assert.True(t, d.lastLogs.ShowStdout)
	assert.True(t, d.lastLogs.ShowStderr)
}

func TestContainerLogsTTY(t *testing.T) {
	d := sampleDocker()
	d.logs = []byte("raw tty output\n")
	h := hosttest.New(t, withFakes(d, &fakeRunner{}), nil)

	res := h.Call("container_logs", map[string]any{"id": "tty", "tail": 5})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "raw tty output\n", res.FirstText())
	assert.Equal(t, "5", d.lastLogs.Tail)
}

func TestListImagesParsesJSONLines(t *testing.T) {
	r := &fakeRunner{output: `{"Repository":"api","Tag":"1","ID":"sha256:aa"}` + "\n" +
		`{"Repository":"worker","Tag":"latest","ID":"sha256:bb"}` + "\n"}
	h := hosttest.New(t, withFakes(sampleDocker(), r), nil)

	res := h.Call("list_images", nil)
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "2 image(s)", res.FirstText())
	assert.Equal(t, [][]string{{"image", "ls", "--format", "{{json .}}"}}, r.calls)
}

func TestBuildImage(t *testing.T) {
	r := &fakeRunner{output: "Step 1/2\nStep 2/2\nSuccessfully tagged api:2\n"}
	h := hosttest.New(t, withFakes(sampleDocker(), r), nil)

	res := h.Call("build_image", map[string]any{"context": "/src/api", "tag": "api:2"})
	require.False(t, res.IsError, res.FirstText())
	assert.True(t, strings.HasPrefix(res.FirstText(), "built api:2\n"))
	assert.Contains(t, res.FirstText(), "Successfully tagged")
	assert.Equal(t, []string{"build", "-t", "api:2", "-f", "Dockerfile", "."}, r.calls[0])
	assert.Equal(t, "/src/api", r.dirs[0])

	fault := h.Fault("build_image", map[string]any{"context": "/src/api"})
	assert.Equal(t, map[string]any{"field": "tag", "rule": "required"}, fault.Data)
}

func TestBuildFailureCarriesOutput(t *testing.T) {
	r := &fakeRunner{output: "failed to solve: missing go.mod\n", err: errors.New("docker build: exit status 1")}
	h := hosttest.New(t, withFakes(sampleDocker(), r), nil)

	res := h.Call("build_image", map[string]any{"context": ".", "tag": "x"})
	assert.True(t, res.IsError)
	assert.Equal(t, "docker build: exit status 1\nfailed to solve: missing go.mod", res.FirstText())
}

func TestCompose(t *testing.T) {
	r := &fakeRunner{}
	h := hosttest.New(t, withFakes(sampleDocker(), r), nil)

	res := h.Call("compose", nil)
	require.False(t, res.IsError)
	assert.Equal(t, "compose ps finished", res.FirstText())

	h.Call("compose", map[string]any{"action": "up", "file": "stack.yml"})
	assert.Equal(t, []string{"compose", "-f", "docker-compose.yml", "ps"}, r.calls[0])
	assert.Equal(t, []string{"compose", "-f", "stack.yml", "up", "-d"}, r.calls[1])

	fault := h.Fault("compose", map[string]any{"action": "restart"})
	assert.Equal(t, protocol.CodeInvalidParams, fault.Code)
}

func TestResources(t *testing.T) {
	h := hosttest.New(t, withFakes(sampleDocker(), &fakeRunner{}), nil)

	version := h.Read("docker://daemon/version")
	assert.Equal(t, "application/json", version.MIMEType)
	assert.Contains(t, version.Text, `"api_version": "1.44"`)

	all := h.Read("docker://containers")
	assert.Contains(t, all.Text, `"api"`)
	assert.Contains(t, all.Text, `"worker"`)
}

func TestMissingDockerCLI(t *testing.T) {
	h := hosttest.New(t, Install, map[string]string{"DOCKER_CLI": "definitely-not-a-docker-binary"})
	res := h.Call("list_images", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.FirstText(), `docker CLI "definitely-not-a-docker-binary" not found on PATH`)
}

func TestTailLines(t *testing.T) {
	assert.Equal(t, "c\nd", tailLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", tailLines("a", 5))
}
