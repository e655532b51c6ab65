package instance

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/shellpod/shellpod/internal/config"
)

const (
	labelManagedBy = "shellpod"
	networkName    = "shellpod"
)

type DockerOrchestrator struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerOrchestrator) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	_, err = d.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerOrchestrator) ensureNetwork(ctx context.Context) error {
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
	log.Printf("Created Docker network: %s", networkName)
	return nil
}

func (d *DockerOrchestrator) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerOrchestrator) BackendName() string {
	return "docker"
}

func (d *DockerOrchestrator) volumeName(name string) string {
	return fmt.Sprintf("shellpod-%s-workspace", name)
}

func (d *DockerOrchestrator) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled", img)
	return nil
}

func (d *DockerOrchestrator) CreateInstance(ctx context.Context, params CreateParams) error {
	if err := d.ensureImage(ctx, params.Image); err != nil {
		return err
	}

	// The workspace volume outlives restarts but not destroy; the object
	// store is the durable copy.
	volName := d.volumeName(params.Name)
	_, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volName,
		Labels: map[string]string{"managed-by": labelManagedBy, "session": params.SessionID},
	})
	if err != nil {
		log.Printf("Volume %s may already exist: %v", volName, err)
	}

	env := []string{
		"SHELLPOD_SESSION_ID=" + params.SessionID,
		"SHELLPOD_BUCKET=" + params.Bucket,
	}
	for k, v := range params.EnvVars {
		env = append(env, k+"="+v)
	}

	agentPort := nat.Port(fmt.Sprintf("%d/tcp", config.Cfg.AgentPort))

	containerCfg := &container.Config{
		Image:        params.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
		Labels:       map[string]string{"managed-by": labelManagedBy, "session": params.SessionID},
		Healthcheck: &container.HealthConfig{
			Test:     []string{"CMD", "curl", "-sf", fmt.Sprintf("http://localhost:%d/health", config.Cfg.AgentPort)},
			Interval: 30_000_000_000,
			Timeout:  10_000_000_000,
			Retries:  3,
		},
	}

	var memLimit int64
	if params.MemoryLimit != "" {
		memLimit, _ = units.RAMInBytes(params.MemoryLimit)
	}
	var nanoCPUs int64
	if params.CPULimit != "" {
		if f, err := strconv.ParseFloat(params.CPULimit, 64); err == nil {
			nanoCPUs = int64(f * 1_000_000_000)
		}
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: volName, Target: "/workspace"},
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

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, params.Name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	return d.client.ContainerStart(ctx, resp.ID, container.StartOptions{})
}

func (d *DockerOrchestrator) StartInstance(ctx context.Context, name string) error {
	return d.client.ContainerStart(ctx, name, container.StartOptions{})
}

func (d *DockerOrchestrator) StopInstance(ctx context.Context, name string) error {
	// Generous timeout so the agent's shutdown sync can finish.
	timeout := 60
	return d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
}

func (d *DockerOrchestrator) DeleteInstance(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("Remove container %s: %v", name, err)
	}

	volName := d.volumeName(name)
	if err := d.client.VolumeRemove(ctx, volName, true); err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("Remove volume %s: %v", volName, err)
	}
	return nil
}

// InstanceStatus maps the container inspect to a reported state. Inspect
// never wakes the instance.
func (d *DockerOrchestrator) InstanceStatus(ctx context.Context, name string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return StateStopped, nil
		}
		return StateUnknown, err
	}

	status := inspect.State.Status
	health := ""
	if inspect.State.Health != nil {
		health = inspect.State.Health.Status
	}

	switch status {
	case "running":
		switch health {
		case "healthy":
			return StateHealthy, nil
		case "unhealthy":
			return StateError, nil
		default:
			return StateRunning, nil
		}
	case "created", "restarting":
		return StateStarting, nil
	case "exited", "dead", "paused", "removing":
		return StateStopped, nil
	default:
		return StateStopped, nil
	}
}

func (d *DockerOrchestrator) InstanceEndpoint(ctx context.Context, name string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", name, err)
	}
	ep, ok := inspect.NetworkSettings.Networks[networkName]
	if !ok || ep.IPAddress == "" {
		return "", fmt.Errorf("instance %s has no address on network %s", name, networkName)
	}
	return fmt.Sprintf("%s:%d", ep.IPAddress, config.Cfg.AgentPort), nil
}
