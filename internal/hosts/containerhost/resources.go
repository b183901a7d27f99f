package containerhost

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
)

func (h *handlers) registerResources(r *host.Registrar) error {
	return errors.Join(
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "docker://daemon/version",
			Name:        "Docker daemon version",
			Description: "Engine and API versions reported by the daemon",
			MIMEType:    "application/json",
		}, h.daemonVersion),
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "docker://containers",
			Name:        "Containers",
			Description: "All containers, including stopped ones",
			MIMEType:    "application/json",
		}, h.allContainers),
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "docker://info",
			Name:        "Docker system info",
			Description: "Container and image counts, storage driver and host resources",
			MIMEType:    "application/json",
		}, h.systemInfo),
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "docker://compose",
			Name:        "Compose file",
			Description: "Contents of COMPOSE_FILE",
			MIMEType:    "application/yaml",
		}, h.composeConfig),
	)
}

func (h *handlers) systemInfo(ctx context.Context) (string, error) {
	api, err := h.docker(ctx)
	if err != nil {
		return "", err
	}
	info, err := api.Info(ctx)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{
		"containers":         info.Containers,
		"containers_running": info.ContainersRunning,
		"containers_paused":  info.ContainersPaused,
		"containers_stopped": info.ContainersStopped,
		"images":             info.Images,
		"driver":             info.Driver,
		"server_version":     info.ServerVersion,
		"os":                 info.OperatingSystem,
		"cpus":               info.NCPU,
		"memory_bytes":       info.MemTotal,
	})
}

func (h *handlers) daemonVersion(ctx context.Context) (string, error) {
	api, err := h.docker(ctx)
	if err != nil {
		return "", err
	}
	v, err := api.ServerVersion(ctx)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{
		"version":     v.Version,
		"api_version": v.APIVersion,
		"os":          v.Os,
		"arch":        v.Arch,
		"kernel":      v.KernelVersion,
	})
}

func (h *handlers) allContainers(ctx context.Context) (string, error) {
	list, err := h.containers(ctx, true)
	if err != nil {
		return "", err
	}
	return marshal(list)
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
