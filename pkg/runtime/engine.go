package runtime

import (
	"context"
	"time"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/cuemby/tunnel-agent/pkg/types"
)

// StatusUnknown is reported for objects whose state or image cannot be read
const StatusUnknown = types.StatusUnknown

// Engine is the subset of the Docker engine API the agent relies on. Lookups
// of absent objects return an error for which IsNotFound is true.
type Engine interface {
	// Containers
	ListContainers(ctx context.Context) ([]ContainerRecord, error)
	InspectContainer(ctx context.Context, idOrName string) (*ContainerRecord, error)
	RunContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string) (string, error)

	// Networks
	InspectNetwork(ctx context.Context, name string) (*NetworkRecord, error)
	CreateNetwork(ctx context.Context, name, driver string, attachable bool) error

	// System and swarm
	Info(ctx context.Context) (*EngineInfo, error)
	SwarmClusterID(ctx context.Context) (string, error)
	ListNodes(ctx context.Context) ([]NodeRecord, error)

	// Services and tasks
	ListServices(ctx context.Context) ([]ServiceRecord, error)
	InspectService(ctx context.Context, idOrName string) (*ServiceRecord, error)
	CreateService(ctx context.Context, spec ServiceSpec) (string, error)
	RemoveService(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error)

	// Events streams engine events until ctx ends or the stream fails. The
	// error channel receives at most one value.
	Events(ctx context.Context) (<-chan EngineEvent, <-chan error)

	Close() error
}

// ContainerRecord is the engine view of one container
type ContainerRecord struct {
	ID          string
	Name        string
	Labels      map[string]string
	State       string
	Image       string
	NetworkMode string
}

// ContainerSpec describes a container to run detached
type ContainerSpec struct {
	Name          string
	Image         string
	Args          []string
	Env           []string
	Labels        map[string]string
	Network       string
	RestartPolicy string
}

// NetworkRecord is the engine view of one network
type NetworkRecord struct {
	ID         string
	Name       string
	Driver     string
	Scope      string
	Attachable bool
	Ingress    bool
}

// EngineInfo carries the swarm fields of the system info record
type EngineInfo struct {
	SwarmNodeID      string
	SwarmActive      bool
	ControlAvailable bool
	ClusterID        string
}

// NodeRecord is one swarm node
type NodeRecord struct {
	ID          string
	Role        string
	Leader      bool
	ManagerAddr string
}

// ServiceRecord is one swarm service
type ServiceRecord struct {
	ID     string
	Name   string
	Labels map[string]string
	Image  string
}

// ServiceSpec describes a single-replica replicated service
type ServiceSpec struct {
	Name             string
	Image            string
	Args             []string
	Env              []string
	Labels           map[string]string
	Network          string
	RestartCondition string
	Constraints      []string
}

// TaskFilter narrows a task listing; empty fields do not filter
type TaskFilter struct {
	ServiceID string
	NodeID    string
	TaskID    string
}

// TaskRecord is one swarm task
type TaskRecord struct {
	ID          string
	ServiceID   string
	NodeID      string
	State       string
	ContainerID string
}

// EngineEvent is one raw engine event
type EngineEvent struct {
	Type       string
	Action     string
	ActorID    string
	Attributes map[string]string
}

// IsNotFound reports whether err means the object does not exist
func IsNotFound(err error) bool {
	return err != nil && cerrdefs.IsNotFound(err)
}
