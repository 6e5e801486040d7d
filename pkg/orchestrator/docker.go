package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// ContainerRuntime is the subset of container operations the
// orchestrator needs. The production implementation wraps the docker
// engine client; tests substitute a fake.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	UploadArchive(ctx context.Context, containerID, path string, archive io.Reader) error
	Ping(ctx context.Context) error
	Close() error
}

// ContainerSpec describes the container to create for a bridge.
type ContainerSpec struct {
	Name  string
	Image string

	// HostPort is published to the container on the same port number,
	// where the bridge's appservice listener binds.
	HostPort int

	// Volume is mounted at MountPath for bridge state.
	Volume    string
	MountPath string
}

type dockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the docker daemon at the given host
// address with API version negotiation.
func NewDockerRuntime(host string) (ContainerRuntime, error) {
	if host == "" {
		host = "unix:///var/run/docker.sock"
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "create docker client")
	}
	return &dockerRuntime{cli: cli}, nil
}

func (d *dockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.HostPort))
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, err, "build container port")
	}

	cfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Binds:         []string{spec.Volume + ":" + spec.MountPath},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", errors.Wrapf(errors.KindInternal, err, "create container %s", spec.Name)
	}
	return resp.ID, nil
}

func (d *dockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "start container %s", containerID)
	}
	return nil
}

func (d *dockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "stop container %s", containerID)
	}
	return nil
}

func (d *dockerRuntime) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	opts := container.RemoveOptions{Force: force, RemoveVolumes: true}
	if err := d.cli.ContainerRemove(ctx, containerID, opts); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "remove container %s", containerID)
	}
	return nil
}

func (d *dockerRuntime) UploadArchive(ctx context.Context, containerID, path string, archive io.Reader) error {
	err := d.cli.CopyToContainer(ctx, containerID, path, archive, container.CopyToContainerOptions{})
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "upload archive to %s", containerID)
	}
	return nil
}

func (d *dockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return errors.Wrap(errors.KindInternal, err, "ping docker daemon")
	}
	return nil
}

func (d *dockerRuntime) Close() error {
	return d.cli.Close()
}
