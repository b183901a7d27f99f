// Package containerhost exposes Docker daemon inspection and docker CLI workflows as tools.
package containerhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/resources"
)

const (
	KindDockerDaemon resources.Kind = "docker-daemon"
	KindTaskRunner   resources.Kind = "task-runner"
)

// Definition describes the container-host process.
var Definition = host.Definition{
	Name:         "container-host",
	Version:      "0.3.0",
	Description:  "Inspect containers and images, read logs, build images and drive compose",
	Instructions: "DOCKER_HOST selects the daemon; the docker CLI on PATH (or DOCKER_CLI) runs builds and compose. SECRETS_PATH and COMPOSE_FILE locate mounted secrets and the compose file.",
	Install:      Install,
}

// dockerAPI is the subset of the Docker Engine client the tools use.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, id string, options container.StopOptions) error
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerRestart(ctx context.Context, id string, options container.StopOptions) error
	ServerVersion(ctx context.Context) (types.Version, error)
	Info(ctx context.Context) (system.Info, error)
	Close() error
}

// Install registers the container-host kinds, tools and resources.
func Install(r *host.Registrar) error {
	if err := errors.Join(
		r.Handles.Register(KindDockerDaemon, newDockerDaemon),
		r.Handles.Register(KindTaskRunner, newTaskRunner),
		r.Handles.Register(KindWorkspace, newWorkspace),
	); err != nil {
		return err
	}
	h := newHandlers(r.Handles)
	return errors.Join(h.registerTools(r), h.registerOpsTools(r), h.registerResources(r))
}

func newDockerDaemon(ctx context.Context, cfg *resources.Config) (any, error) {
	opts := []client.Opt{
		client.WithHost(cfg.Optional("DOCKER_HOST", client.DefaultDockerHost)),
		client.WithAPIVersionNegotiation(),
	}
	if version := cfg.Optional("DOCKER_API_VERSION", ""); version != "" {
		opts = append(opts, client.WithVersion(version))
	}
	if certs := cfg.Optional("DOCKER_CERT_PATH", ""); certs != "" {
		opts = append(opts, client.WithTLSClientConfig(
			certs+"/ca.pem", certs+"/cert.pem", certs+"/key.pem",
		))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping docker daemon at %s: %w", cli.DaemonHost(), err)
	}
	return cli, nil
}
