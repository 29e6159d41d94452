package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// fakeEngine is an in-memory Engine recording every mutating call
type fakeEngine struct {
	mu sync.Mutex

	containers map[string]*ContainerRecord // by name
	networks   map[string]*NetworkRecord
	services   map[string]*ServiceRecord // by name
	tasks      []TaskRecord

	execOutput string
	execErr    error
	inspectErr error

	// tasksForService is called on CreateService to schedule tasks
	tasksForService func(serviceID string) []TaskRecord

	// queued is delivered by the next Events call, followed by streamErr
	// when set; otherwise the stream stays open until ctx ends
	queued    []EngineEvent
	streamErr error

	calls        []string
	runSpecs     []ContainerSpec
	serviceSpecs []ServiceSpec
	seq          int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: map[string]*ContainerRecord{},
		networks:   map[string]*NetworkRecord{},
		services:   map[string]*ServiceRecord{},
	}
}

func notFound(kind, name string) error {
	return fmt.Errorf("no such %s: %s: %w", kind, name, cerrdefs.ErrNotFound)
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) addContainer(rec ContainerRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := rec
	f.containers[rec.Name] = &c
}

func (f *fakeEngine) addService(rec ServiceRecord, tasks ...TaskRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := rec
	f.services[rec.Name] = &s
	f.tasks = append(f.tasks, tasks...)
}

func (f *fakeEngine) findContainer(idOrName string) *ContainerRecord {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.ID == idOrName {
			return c
		}
	}
	return nil
}

func (f *fakeEngine) findService(idOrName string) *ServiceRecord {
	if s, ok := f.services[idOrName]; ok {
		return s
	}
	for _, s := range f.services {
		if s.ID == idOrName {
			return s
		}
	}
	return nil
}

func (f *fakeEngine) ListContainers(ctx context.Context) ([]ContainerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerRecord, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, idOrName string) (*ContainerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	c := f.findContainer(idOrName)
	if c == nil {
		return nil, notFound("container", idOrName)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeEngine) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.containers[spec.Name]; exists {
		return "", fmt.Errorf("conflict: container name %s in use", spec.Name)
	}
	f.seq++
	id := fmt.Sprintf("c%d-%s", f.seq, spec.Name)
	f.containers[spec.Name] = &ContainerRecord{
		ID:          id,
		Name:        spec.Name,
		Labels:      spec.Labels,
		State:       "running",
		Image:       spec.Image,
		NetworkMode: spec.Network,
	}
	f.runSpecs = append(f.runSpecs, spec)
	f.record("run:" + spec.Name)
	return id, nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.findContainer(id)
	if c == nil {
		return notFound("container", id)
	}
	c.State = "exited"
	f.record("stop:" + c.Name)
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.findContainer(id)
	if c == nil {
		return notFound("container", id)
	}
	delete(f.containers, c.Name)
	f.record("remove-container:" + c.Name)
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec:" + id)
	return f.execOutput, f.execErr
}

func (f *fakeEngine) InspectNetwork(ctx context.Context, name string) (*NetworkRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[name]
	if !ok {
		return nil, notFound("network", name)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeEngine) CreateNetwork(ctx context.Context, name, driver string, attachable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = &NetworkRecord{ID: "n-" + name, Name: name, Driver: driver, Attachable: attachable}
	f.record("create-network:" + name + ":" + driver)
	return nil
}

func (f *fakeEngine) Info(ctx context.Context) (*EngineInfo, error) {
	return &EngineInfo{}, nil
}

func (f *fakeEngine) SwarmClusterID(ctx context.Context) (string, error) {
	return "", notFound("swarm", "cluster")
}

func (f *fakeEngine) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	return nil, nil
}

func (f *fakeEngine) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ServiceRecord, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeEngine) InspectService(ctx context.Context, idOrName string) (*ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.findService(idOrName)
	if s == nil {
		return nil, notFound("service", idOrName)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeEngine) CreateService(ctx context.Context, spec ServiceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("s%d-%s", f.seq, spec.Name)
	f.services[spec.Name] = &ServiceRecord{ID: id, Name: spec.Name, Labels: spec.Labels, Image: spec.Image}
	f.serviceSpecs = append(f.serviceSpecs, spec)
	f.record("create-service:" + spec.Name)
	if f.tasksForService != nil {
		f.tasks = append(f.tasks, f.tasksForService(id)...)
	}
	return id, nil
}

func (f *fakeEngine) RemoveService(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.findService(id)
	if s == nil {
		return notFound("service", id)
	}
	delete(f.services, s.Name)
	kept := f.tasks[:0]
	for _, t := range f.tasks {
		if t.ServiceID != s.ID {
			kept = append(kept, t)
		}
	}
	f.tasks = kept
	f.record("remove-service:" + s.Name)
	return nil
}

func (f *fakeEngine) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TaskRecord
	for _, t := range f.tasks {
		if filter.ServiceID != "" && t.ServiceID != filter.ServiceID {
			continue
		}
		if filter.NodeID != "" && t.NodeID != filter.NodeID {
			continue
		}
		if filter.TaskID != "" && t.ID != filter.TaskID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeEngine) queueEvents(streamErr error, evs ...EngineEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, evs...)
	f.streamErr = streamErr
}

func (f *fakeEngine) Events(ctx context.Context) (<-chan EngineEvent, <-chan error) {
	f.mu.Lock()
	queued, streamErr := f.queued, f.streamErr
	f.queued, f.streamErr = nil, nil
	f.mu.Unlock()

	out := make(chan EngineEvent)
	errs := make(chan error, 1)
	go func() {
		for _, ev := range queued {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			errs <- streamErr
			// Like DockerEngine, close the stream after reporting its error
			close(out)
		}
	}()
	return out, errs
}

func (f *fakeEngine) Close() error { return nil }
