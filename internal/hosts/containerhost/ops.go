package containerhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"gopkg.in/yaml.v3"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
)

const KindWorkspace resources.Kind = "workspace"

// workspace holds the local paths the host reads: mounted secrets and the compose file.
type workspace struct {
	SecretsPath string
	ComposeFile string
}

func newWorkspace(_ context.Context, cfg *resources.Config) (any, error) {
	return &workspace{
		SecretsPath: cfg.Optional("SECRETS_PATH", "/run/secrets"),
		ComposeFile: cfg.Optional("COMPOSE_FILE", "docker-compose.yml"),
	}, nil
}

func (h *handlers) registerOpsTools(r *host.Registrar) error {
	t := r.Tools
	return errors.Join(
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "restart_container",
			Description: "Restart a container, by default as a stop followed by a start",
			InputSchema: schema.Object(
				schema.Prop("id", schema.String()),
				schema.Prop("graceful", schema.Boolean().Describe("stop then start instead of a daemon restart").WithDefault(true)),
				schema.Prop("timeout_seconds", schema.Integer().Describe("grace period before the container is killed").WithDefault(10)),
			).Require("id"),
		}, h.restartContainer),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "container_health",
			Description: "Report the health check status of a container",
			InputSchema: schema.Object(schema.Prop("id", schema.String())).Require("id"),
		}, h.containerHealth),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "read_secret",
			Description: "Confirm a mounted secret exists and show a masked preview",
			InputSchema: schema.Object(schema.Prop("name", schema.String())).Require("name"),
		}, h.readSecret),
	)
}

func (h *handlers) restartContainer(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	api, err := h.docker(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	id := args.String("id")
	timeout := args.Int("timeout_seconds")
	stop := container.StopOptions{Timeout: &timeout}

	if args.Bool("graceful") {
		if err := api.ContainerStop(ctx, id, stop); err != nil {
			return protocol.ToolResult{}, notFound(id, "stop", err)
		}
		if err := api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return protocol.ToolResult{}, notFound(id, "start", err)
		}
	} else if err := api.ContainerRestart(ctx, id, stop); err != nil {
		return protocol.ToolResult{}, notFound(id, "restart", err)
	}
	return protocol.Result(protocol.Textf("container %s restarted", id)), nil
}

type healthReport struct {
	Healthy       bool      `json:"healthy"`
	Status        string    `json:"status"`
	FailingStreak int       `json:"failing_streak"`
	LastCheck     time.Time `json:"last_check"`
	LastExitCode  int       `json:"last_exit_code"`
	LastOutput    string    `json:"last_output,omitempty"`
}

func (h *handlers) containerHealth(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	api, err := h.docker(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	id := args.String("id")
	info, err := inspect(ctx, api, id)
	if err != nil {
		return protocol.ToolResult{}, err
	}

	report := healthReport{Status: "no health check"}
	if info.ContainerJSONBase != nil && info.State != nil && info.State.Health != nil {
		health := info.State.Health
		report.Status = health.Status
		report.Healthy = health.Status == "healthy"
		report.FailingStreak = health.FailingStreak
		if n := len(health.Log); n > 0 && health.Log[n-1] != nil {
			last := health.Log[n-1]
			report.LastCheck = last.End
			report.LastExitCode = last.ExitCode
			report.LastOutput = strings.TrimSpace(last.Output)
		}
	}

	part, err := protocol.JSONResource("docker://containers/"+id+"/health", report)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	res := protocol.Result(protocol.Textf("container %s health: %s", id, report.Status), part)
	res.IsError = report.Status == "unhealthy"
	return res, nil
}

func (h *handlers) readSecret(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	ws, err := h.workspace(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	name := args.String("name")
	if name != filepath.Base(name) || name == "." || name == ".." {
		return protocol.ToolResult{}, fmt.Errorf("invalid secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(ws.SecretsPath, name))
	if errors.Is(err, os.ErrNotExist) {
		return protocol.ToolResult{}, fmt.Errorf("secret %s not found in %s", name, ws.SecretsPath)
	}
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("read secret %s: %w", name, err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	part, err := protocol.JSONResource("docker://secrets/"+name, map[string]any{
		"name":    name,
		"path":    ws.SecretsPath,
		"length":  len(value),
		"preview": mask(value),
	})
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("secret %s is present (%d bytes)", name, len(value)), part), nil
}

// mask shows the first four characters of values longer than eight characters.
func mask(v string) string {
	r := []rune(v)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:4]) + "****"
}

func (h *handlers) composeConfig(ctx context.Context) (string, error) {
	ws, err := h.workspace(ctx)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(ws.ComposeFile)
	if err != nil {
		return "", err
	}
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("%s is not valid YAML: %w", ws.ComposeFile, err)
	}
	if len(doc.Services) == 0 {
		return "", fmt.Errorf("%s defines no services", ws.ComposeFile)
	}
	return string(data), nil
}

func notFound(id, op string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("container %s not found", id)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
