package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

const (
	labelManagedBy = "previewd"
	networkName    = "previewd"
)

// DockerRuntime implements Runtime against a local (or DOCKER_HOST-pointed)
// docker daemon.
type DockerRuntime struct {
	client      *dockerclient.Client
	callTimeout time.Duration
}

// NewDockerRuntime connects to the docker daemon and ensures the bridge
// network exists. host may be empty to use the environment default.
// callTimeout bounds every individual runtime call issued later.
func NewDockerRuntime(ctx context.Context, host string, callTimeout time.Duration) (*DockerRuntime, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	d := &DockerRuntime{client: client, callTimeout: callTimeout}

	pingCtx, cancel := d.bound(ctx)
	defer cancel()
	if _, err := client.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", ErrUnavailable)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return nil, fmt.Errorf("docker network: %w", err)
	}

	log.Println("[runtime] docker daemon connected")
	return d, nil
}

// bound derives a context carrying the per-call timeout. Callers that hang
// past it get a hard failure rather than an indefinitely pending row.
func (d *DockerRuntime) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.callTimeout)
}

func (d *DockerRuntime) ensureNetwork(ctx context.Context) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	_, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	log.Printf("[runtime] created docker network: %s", networkName)
	return nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	inspectCtx, cancel := d.bound(ctx)
	_, _, err := d.client.ImageInspectWithRaw(inspectCtx, img)
	cancel()
	if err == nil {
		return nil
	}

	log.Printf("[runtime] image %s not found locally, pulling...", img)
	// Pulls can legitimately take longer than a single call timeout.
	pullCtx, cancel := context.WithTimeout(ctx, 10*d.callTimeout)
	defer cancel()
	reader, err := d.client.ImagePull(pullCtx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		n, _ := strconv.ParseInt(strings.TrimSuffix(cpuStr, "m"), 10, 64)
		return n * 1_000_000
	}
	f, _ := strconv.ParseFloat(cpuStr, 64)
	return int64(f * 1_000_000_000)
}

func parseMemoryToBytes(memStr string) int64 {
	// Accept kubernetes-style binary suffixes by mapping Gi→GiB etc.
	// for go-units, which understands "2GiB" and "512MiB".
	s := memStr
	if strings.HasSuffix(s, "i") {
		s += "B"
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0
	}
	return n
}

func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, fmt.Sprintf("PORT=%d", spec.ContainerPort))

	labels := map[string]string{"managed-by": labelManagedBy}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	exposed := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
	}

	var nanoCPUs, memLimit int64
	if spec.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		memLimit = parseMemoryToBytes(spec.MemoryLimit)
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	createCtx, cancel := d.bound(ctx)
	defer cancel()
	resp, err := d.client.ContainerCreate(createCtx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		if createCtx.Err() != nil {
			return "", fmt.Errorf("create container %s: %w", spec.Name, ErrUnavailable)
		}
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	startCtx, cancel := d.bound(ctx)
	defer cancel()
	if err := d.client.ContainerStart(startCtx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave a created-but-never-started container behind.
		rmCtx, rmCancel := d.bound(context.Background())
		d.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		rmCancel()
		return "", fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return resp.ID, nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, handle string) (Status, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	inspect, err := d.client.ContainerInspect(ctx, handle)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Status{State: StateAbsent}, nil
		}
		return Status{}, fmt.Errorf("inspect %s: %w", handle, ErrUnavailable)
	}

	switch inspect.State.Status {
	case "running", "restarting":
		return Status{State: StateRunning}, nil
	default:
		return Status{
			State:    StateExited,
			ExitCode: inspect.State.ExitCode,
			Error:    inspect.State.Error,
		}, nil
	}
}

func (d *DockerRuntime) Stop(ctx context.Context, handle string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	timeout := 10
	err := d.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("stop %s: %w", handle, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, handle string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	err := d.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove %s: %w", handle, err)
	}
	return nil
}

func (d *DockerRuntime) Logs(ctx context.Context, handle string) (io.ReadCloser, error) {
	rc, err := d.client.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "200",
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, fmt.Errorf("logs %s: container absent", handle)
		}
		return nil, fmt.Errorf("logs %s: %w", handle, ErrUnavailable)
	}

	// Containers run without a TTY, so the raw stream multiplexes stdout
	// and stderr; demux both onto one pipe in arrival order.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (d *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+labelManagedBy)),
	})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", ErrUnavailable)
	}
	handles := make([]string, len(list))
	for i, c := range list {
		handles[i] = c.ID
	}
	return handles, nil
}

// Ensure DockerRuntime implements Runtime
var _ Runtime = (*DockerRuntime)(nil)
