package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/csai/sandbox-agent/internal/config"
)

// dockerAPI is the subset of *client.Client used here.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, opts container.ListOptions) ([]types.Container, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

type Docker struct {
	cfg config.DriverConfig
	api dockerAPI
	log *slog.Logger
}

func NewDocker(ctx context.Context, cfg config.DriverConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	d := newDocker(cfg, cli, logger)
	if err := d.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return d, nil
}

func newDocker(cfg config.DriverConfig, api dockerAPI, logger *slog.Logger) *Docker {
	return &Docker{cfg: cfg, api: api, log: logger}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (d *Docker) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, seconds(d.cfg.CreateTimeoutSeconds))
	defer cancel()

	containerPort, err := nat.NewPort("tcp", strconv.Itoa(d.cfg.ContainerPort))
	if err != nil {
		return "", driverErr("create", err)
	}
	hostIP := d.cfg.BindIP
	if hostIP == "" {
		hostIP = spec.HostIP
	}
	cc := &container.Config{
		Image:        spec.Image,
		Labels:       spec.Labels,
		Env:          spec.Env,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hc := &container.HostConfig{
		AutoRemove:  d.cfg.AutoRemove,
		SecurityOpt: []string{"no-new-privileges:true"},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: hostIP, HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Resources: container.Resources{
			Memory:   d.cfg.ContainerMemoryBytes,
			NanoCPUs: int64(d.cfg.ContainerCPUCores * 1e9),
		},
	}
	if d.cfg.ContainerPidsLimit > 0 {
		p := d.cfg.ContainerPidsLimit
		hc.PidsLimit = &p
	}

	resp, err := d.api.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name)
	if err != nil && errdefs.IsNotFound(err) && d.cfg.PullMissing {
		if perr := d.pullImage(ctx, spec.Image); perr != nil {
			return "", driverErr("pull", perr)
		}
		resp, err = d.api.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name)
	}
	if err != nil {
		return "", driverErr("create", err)
	}
	handle := strings.TrimSpace(resp.ID)

	if err := d.api.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		// Fresh context: the create deadline may be what failed the start.
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), seconds(d.cfg.StopTimeoutSeconds))
		defer rmCancel()
		if rerr := d.api.ContainerRemove(rmCtx, handle, container.RemoveOptions{Force: true}); rerr != nil && !errdefs.IsNotFound(rerr) {
			d.log.Warn("container_remove_failed", slog.String("container_id", handle), slog.String("error", rerr.Error()))
		}
		return "", driverErr("start", err)
	}
	return handle, nil
}

func (d *Docker) Stop(ctx context.Context, handle string) bool {
	if strings.TrimSpace(handle) == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, seconds(d.cfg.StopTimeoutSeconds))
	defer cancel()

	grace := d.cfg.StopGraceSeconds
	err := d.api.ContainerStop(ctx, handle, container.StopOptions{Timeout: &grace})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
		if !d.cfg.AutoRemove {
			d.removeStopped(ctx, handle)
		}
		return true
	}
	d.log.Warn("container_stop_failed", slog.String("container_id", handle), slog.String("error", err.Error()))
	return false
}

// removeStopped cleans up the stopped container when the daemon does not
// auto-remove it, so the name can be reused.
func (d *Docker) removeStopped(ctx context.Context, handle string) {
	if err := d.api.ContainerRemove(ctx, handle, container.RemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
		d.log.Warn("container_remove_failed", slog.String("container_id", handle), slog.String("error", err.Error()))
	}
}

func (d *Docker) InspectRunning(ctx context.Context, handle string) bool {
	if strings.TrimSpace(handle) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, seconds(d.cfg.InspectTimeoutSeconds))
	defer cancel()

	inspect, err := d.api.ContainerInspect(ctx, handle)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			d.log.Warn("container_inspect_failed", slog.String("container_id", handle), slog.String("error", err.Error()))
		}
		return false
	}
	return inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running
}

func (d *Docker) ListByLabel(ctx context.Context, label string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, seconds(d.cfg.ListTimeoutSeconds))
	defer cancel()

	args := filters.NewArgs(filters.Arg("label", label))
	containers, err := d.api.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, driverErr("list", err)
	}
	out := make([]string, 0, len(containers))
	for _, c := range containers {
		out = append(out, strings.TrimSpace(c.ID))
	}
	return out, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, seconds(d.cfg.InspectTimeoutSeconds))
	defer cancel()
	if _, err := d.api.Ping(ctx); err != nil {
		return driverErr("ping", err)
	}
	return nil
}

func (d *Docker) Close() error { return d.api.Close() }

func (d *Docker) pullImage(ctx context.Context, ref string) error {
	d.log.Info("image_pull", slog.String("image", ref))
	reader, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
