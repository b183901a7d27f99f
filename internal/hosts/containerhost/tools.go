package containerhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
)

// outputTail is how many trailing lines of CLI output a result carries.
const outputTail = 40

type handlers struct {
	docker    func(ctx context.Context) (dockerAPI, error)
	runner    func(ctx context.Context) (CommandRunner, error)
	workspace func(ctx context.Context) (*workspace, error)
}

func newHandlers(m *resources.Manager) *handlers {
	return &handlers{
		docker: func(ctx context.Context) (dockerAPI, error) {
			cli, err := resources.Get[*client.Client](ctx, m, KindDockerDaemon)
			if err != nil {
				return nil, err
			}
			return cli, nil
		},
		runner: func(ctx context.Context) (CommandRunner, error) {
			r, err := resources.Get[*cliRunner](ctx, m, KindTaskRunner)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		workspace: func(ctx context.Context) (*workspace, error) {
			return resources.Get[*workspace](ctx, m, KindWorkspace)
		},
	}
}

func (h *handlers) registerTools(r *host.Registrar) error {
	t := r.Tools
	return errors.Join(
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "list_containers",
			Description: "List containers known to the daemon",
			InputSchema: schema.Object(
				schema.Prop("all", schema.Boolean().Describe("include stopped containers").WithDefault(false)),
			),
		}, h.listContainers),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "inspect_container",
			Description: "Return the low-level configuration and state of a container",
			InputSchema: schema.Object(schema.Prop("id", schema.String().Describe("container id or name"))).Require("id"),
		}, h.inspectContainer),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "container_logs",
			Description: "Fetch the most recent log lines of a container",
			InputSchema: schema.Object(
				schema.Prop("id", schema.String()),
				schema.Prop("tail", schema.Integer().WithDefault(100)),
			).Require("id"),
		}, h.containerLogs),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "list_images",
			Description: "List local images",
			InputSchema: schema.Object(),
		}, h.listImages),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "build_image",
			Description: "Build an image from a build context directory",
			InputSchema: schema.Object(
				schema.Prop("context", schema.String().Describe("build context directory")),
				schema.Prop("tag", schema.String()),
				schema.Prop("dockerfile", schema.String().Describe("path relative to the context").WithDefault("Dockerfile")),
			).Require("context", "tag"),
		}, h.buildImage),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "compose",
			Description: "Run docker compose up, down or ps",
			InputSchema: schema.Object(
				schema.Prop("action", schema.String().WithEnum("up", "down", "ps").WithDefault("ps")),
				schema.Prop("file", schema.String().WithDefault("docker-compose.yml")),
			),
		}, h.compose),
	)
}

type containerSummary struct {
	ID     string   `json:"id"`
	Names  []string `json:"names"`
	Image  string   `json:"image"`
	State  string   `json:"state"`
	Status string   `json:"status"`
}

func (h *handlers) containers(ctx context.Context, all bool) ([]containerSummary, error) {
	api, err := h.docker(ctx)
	if err != nil {
		return nil, err
	}
	list, err := api.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]containerSummary, 0, len(list))
	for _, c := range list {
		names := make([]string, 0, len(c.Names))
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
		out = append(out, containerSummary{
			ID:     shortID(c.ID),
			Names:  names,
			Image:  c.Image,
			State:  c.State,
			Status: c.Status,
		})
	}
	return out, nil
}

func (h *handlers) listContainers(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	list, err := h.containers(ctx, args.Bool("all"))
	if err != nil {
		return protocol.ToolResult{}, err
	}
	part, err := protocol.JSONResource("docker://containers", list)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%d container(s)", len(list)), part), nil
}

func inspect(ctx context.Context, api dockerAPI, id string) (types.ContainerJSON, error) {
	info, err := api.ContainerInspect(ctx, id)
	if err != nil {
		return info, notFound(id, "inspect", err)
	}
	return info, nil
}

func isNotFound(err error) bool { return client.IsErrNotFound(err) }

func (h *handlers) inspectContainer(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	api, err := h.docker(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	id := args.String("id")
	info, err := inspect(ctx, api, id)
	if err != nil {
		return protocol.ToolResult{}, err
	}

	state := "unknown"
	if info.ContainerJSONBase != nil && info.State != nil {
		state = info.State.Status
	}
	part, err := protocol.JSONResource("docker://containers/"+id, info)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("container %s is %s", id, state), part), nil
}

func (h *handlers) containerLogs(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	api, err := h.docker(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	id := args.String("id")
	tail := args.Int("tail")
	if tail < 1 {
		return protocol.ToolResult{}, fmt.Errorf("tail must be positive, got %d", tail)
	}
	info, err := inspect(ctx, api, id)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	tty := info.Config != nil && info.Config.Tty

	rc, err := api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("logs for %s: %w", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("read logs for %s: %w", id, err)
	}
	if buf.Len() == 0 {
		return protocol.Result(protocol.Textf("container %s has no log output", id)), nil
	}
	return protocol.Result(protocol.Text(buf.String())), nil
}

func (h *handlers) listImages(ctx context.Context, _ protocol.Args) (protocol.ToolResult, error) {
	run, err := h.runner(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	out, err := run.Run(ctx, "", "image", "ls", "--format", "{{json .}}")
	if err != nil {
		return protocol.ToolResult{}, withOutput(err, out)
	}
	images, err := parseJSONLines(out)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("parse image list: %w", err)
	}
	part, err := protocol.JSONResource("docker://images", images)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%d image(s)", len(images)), part), nil
}

func (h *handlers) buildImage(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	run, err := h.runner(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	tag := args.String("tag")
	out, err := run.Run(ctx, args.String("context"), "build", "-t", tag, "-f", args.String("dockerfile"), ".")
	if err != nil {
		return protocol.ToolResult{}, withOutput(err, out)
	}
	return protocol.Result(protocol.Textf("built %s\n%s", tag, tailLines(out, outputTail))), nil
}

func (h *handlers) compose(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	run, err := h.runner(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	action := args.String("action")
	cmd := []string{"compose", "-f", args.String("file"), action}
	if action == "up" {
		cmd = append(cmd, "-d")
	}
	out, err := run.Run(ctx, "", cmd...)
	if err != nil {
		return protocol.ToolResult{}, withOutput(err, out)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = fmt.Sprintf("compose %s finished", action)
	}
	return protocol.Result(protocol.Text(tailLines(out, outputTail))), nil
}

func withOutput(err error, out string) error {
	out = strings.TrimSpace(out)
	if out == "" {
		return err
	}
	return fmt.Errorf("%w\n%s", err, tailLines(out, outputTail))
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func parseJSONLines(s string) ([]map[string]any, error) {
	out := []map[string]any{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
