package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerEngine implements Engine on top of the Docker SDK client
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the engine named by DOCKER_HOST (or the local
// socket) and negotiates the API version
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Close closes the docker client connection
func (e *DockerEngine) Close() error {
	if e.cli != nil {
		return e.cli.Close()
	}
	return nil
}

// Ping checks the engine is reachable
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker engine: %w", err)
	}
	return nil
}

// ListContainers returns running containers
func (e *DockerEngine) ListContainers(ctx context.Context) ([]ContainerRecord, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	records := make([]ContainerRecord, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		netMode := c.HostConfig.NetworkMode
		if c.NetworkSettings != nil && len(c.NetworkSettings.Networks) > 0 {
			netMode = firstKey(c.NetworkSettings.Networks)
		}
		records = append(records, ContainerRecord{
			ID:          c.ID,
			Name:        name,
			Labels:      c.Labels,
			State:       string(c.State),
			Image:       c.Image,
			NetworkMode: netMode,
		})
	}
	return records, nil
}

// InspectContainer looks a container up by id or name
func (e *DockerEngine) InspectContainer(ctx context.Context, idOrName string) (*ContainerRecord, error) {
	info, err := e.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if info.ContainerJSONBase == nil {
		return nil, fmt.Errorf("container %s: empty inspect response", idOrName)
	}

	rec := &ContainerRecord{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		State: StatusUnknown,
	}
	if info.State != nil {
		rec.State = string(info.State.Status)
	}
	if info.Config != nil {
		rec.Labels = info.Config.Labels
		rec.Image = info.Config.Image
	}
	if info.HostConfig != nil {
		rec.NetworkMode = string(info.HostConfig.NetworkMode)
	}
	if info.NetworkSettings != nil && len(info.NetworkSettings.Networks) > 0 {
		rec.NetworkMode = firstKey(info.NetworkSettings.Networks)
	}
	return rec, nil
}

// RunContainer creates and starts a detached container, pulling the image
// when the engine does not have it yet
func (e *DockerEngine) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Args,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:   container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)},
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if IsNotFound(err) {
		if err := e.pull(ctx, spec.Image); err != nil {
			return "", err
		}
		resp, err = e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) pull(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// StopContainer stops a container, killing it after timeout
func (e *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

// RemoveContainer removes a stopped container
func (e *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{})
}

// Exec runs cmd inside a container and returns its standard output, or its
// standard error when nothing was written to stdout
func (e *DockerEngine) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec in %s: %w", id, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec in %s: %w", id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("failed to read exec output from %s: %w", id, err)
	}
	if stdout.Len() == 0 {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}

// InspectNetwork looks a network up by name
func (e *DockerEngine) InspectNetwork(ctx context.Context, name string) (*NetworkRecord, error) {
	n, err := e.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return nil, err
	}
	return &NetworkRecord{
		ID:         n.ID,
		Name:       n.Name,
		Driver:     n.Driver,
		Scope:      n.Scope,
		Attachable: n.Attachable,
		Ingress:    n.Ingress,
	}, nil
}

// CreateNetwork creates a network with the given driver
func (e *DockerEngine) CreateNetwork(ctx context.Context, name, driver string, attachable bool) error {
	_, err := e.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     driver,
		Attachable: attachable,
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// Info returns the swarm section of the system info record
func (e *DockerEngine) Info(ctx context.Context) (*EngineInfo, error) {
	info, err := e.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get engine info: %w", err)
	}

	out := &EngineInfo{
		SwarmNodeID:      info.Swarm.NodeID,
		SwarmActive:      info.Swarm.LocalNodeState == swarm.LocalNodeStateActive,
		ControlAvailable: info.Swarm.ControlAvailable,
	}
	if info.Swarm.Cluster != nil {
		out.ClusterID = info.Swarm.Cluster.ID
	}
	return out, nil
}

// SwarmClusterID returns the cluster id; it fails on worker nodes and on
// engines outside a swarm
func (e *DockerEngine) SwarmClusterID(ctx context.Context) (string, error) {
	s, err := e.cli.SwarmInspect(ctx)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// ListNodes lists swarm nodes; only managers may call it
func (e *DockerEngine) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	nodes, err := e.cli.NodeList(ctx, types.NodeListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	records := make([]NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		rec := NodeRecord{
			ID:   n.ID,
			Role: string(n.Spec.Role),
		}
		if n.ManagerStatus != nil {
			rec.Leader = n.ManagerStatus.Leader
			rec.ManagerAddr = n.ManagerStatus.Addr
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListServices lists swarm services
func (e *DockerEngine) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	services, err := e.cli.ServiceList(ctx, types.ServiceListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	records := make([]ServiceRecord, 0, len(services))
	for _, s := range services {
		records = append(records, serviceRecord(s))
	}
	return records, nil
}

// InspectService looks a service up by id or name
func (e *DockerEngine) InspectService(ctx context.Context, idOrName string) (*ServiceRecord, error) {
	s, _, err := e.cli.ServiceInspectWithRaw(ctx, idOrName, types.ServiceInspectOptions{})
	if err != nil {
		return nil, err
	}
	rec := serviceRecord(s)
	return &rec, nil
}

// CreateService creates a single-replica replicated service
func (e *DockerEngine) CreateService(ctx context.Context, spec ServiceSpec) (string, error) {
	replicas := uint64(1)
	svc := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   spec.Name,
			Labels: spec.Labels,
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:  spec.Image,
				Args:   spec.Args,
				Env:    spec.Env,
				Labels: spec.Labels,
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition: swarm.RestartPolicyCondition(spec.RestartCondition),
			},
			Networks: []swarm.NetworkAttachmentConfig{{Target: spec.Network}},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
	}
	if len(spec.Constraints) > 0 {
		svc.TaskTemplate.Placement = &swarm.Placement{Constraints: spec.Constraints}
	}

	resp, err := e.cli.ServiceCreate(ctx, svc, types.ServiceCreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create service %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// RemoveService removes a service and its tasks
func (e *DockerEngine) RemoveService(ctx context.Context, id string) error {
	return e.cli.ServiceRemove(ctx, id)
}

// ListTasks lists swarm tasks matching filter
func (e *DockerEngine) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error) {
	args := filters.NewArgs()
	if filter.ServiceID != "" {
		args.Add("service", filter.ServiceID)
	}
	if filter.NodeID != "" {
		args.Add("node", filter.NodeID)
	}
	if filter.TaskID != "" {
		args.Add("id", filter.TaskID)
	}

	tasks, err := e.cli.TaskList(ctx, types.TaskListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	records := make([]TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		rec := TaskRecord{
			ID:        t.ID,
			ServiceID: t.ServiceID,
			NodeID:    t.NodeID,
			State:     string(t.Status.State),
		}
		if t.Status.ContainerStatus != nil {
			rec.ContainerID = t.Status.ContainerStatus.ContainerID
		}
		records = append(records, rec)
	}
	return records, nil
}

// Events streams engine events
func (e *DockerEngine) Events(ctx context.Context) (<-chan EngineEvent, <-chan error) {
	msgs, errs := e.cli.Events(ctx, events.ListOptions{})

	out := make(chan EngineEvent)
	outErr := make(chan error, 1)

	go func() {
		defer close(out)
		for {
			select {
			case m := <-msgs:
				ev := EngineEvent{
					Type:       string(m.Type),
					Action:     string(m.Action),
					ActorID:    m.Actor.ID,
					Attributes: m.Actor.Attributes,
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case err := <-errs:
				outErr <- err
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, outErr
}

func serviceRecord(s swarm.Service) ServiceRecord {
	rec := ServiceRecord{
		ID:     s.ID,
		Name:   s.Spec.Name,
		Labels: s.Spec.Labels,
		Image:  StatusUnknown,
	}
	if s.Spec.TaskTemplate.ContainerSpec != nil {
		rec.Image = s.Spec.TaskTemplate.ContainerSpec.Image
	}
	return rec
}

// firstKey returns the smallest key so that multi-network containers report
// a stable network mode
func firstKey[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
