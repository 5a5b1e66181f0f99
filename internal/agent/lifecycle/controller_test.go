package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/trinity/trinity/internal/agent/docker"
	"github.com/trinity/trinity/internal/agent/models"
	"github.com/trinity/trinity/internal/common/logger"
)

// fakeDocker records lifecycle operations against in-memory containers.
type fakeDocker struct {
	containers map[string]*docker.ContainerDetails // by name
	volumes    map[string]bool
	nextID     int

	started  []string
	stopped  []string
	removed  []string
	oneShots [][]string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*docker.ContainerDetails),
		volumes:    make(map[string]bool),
	}
}

func (f *fakeDocker) FindContainerByName(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	c, ok := f.containers[name]
	if !ok {
		return nil, nil
	}
	state := "exited"
	if c.Running {
		state = "running"
	}
	return &docker.ContainerInfo{ID: c.ID, Name: name, Image: c.Image, State: state}, nil
}

func (f *fakeDocker) InspectContainer(ctx context.Context, containerID string) (*docker.ContainerDetails, error) {
	for _, c := range f.containers {
		if c.ID == containerID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no such container: %s", containerID)
}

func (f *fakeDocker) CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error) {
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[cfg.Name] = &docker.ContainerDetails{
		ID:          id,
		Name:        cfg.Name,
		Image:       cfg.Image,
		Cmd:         cfg.Cmd,
		Env:         cfg.Env,
		WorkingDir:  cfg.WorkingDir,
		Labels:      cfg.Labels,
		NetworkMode: cfg.NetworkMode,
		Memory:      cfg.Memory,
		CPUQuota:    cfg.CPUQuota,
		Mounts:      cfg.Mounts,
	}
	return id, nil
}

func (f *fakeDocker) StartContainer(ctx context.Context, containerID string) error {
	f.started = append(f.started, containerID)
	for _, c := range f.containers {
		if c.ID == containerID {
			c.Running = true
		}
	}
	return nil
}

func (f *fakeDocker) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	f.stopped = append(f.stopped, containerID)
	for _, c := range f.containers {
		if c.ID == containerID {
			c.Running = false
		}
	}
	return nil
}

func (f *fakeDocker) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	f.removed = append(f.removed, containerID)
	for name, c := range f.containers {
		if c.ID == containerID {
			delete(f.containers, name)
			break
		}
	}
	return nil
}

func (f *fakeDocker) EnsureVolume(ctx context.Context, name string, labels map[string]string) (bool, error) {
	if f.volumes[name] {
		return false, nil
	}
	f.volumes[name] = true
	return true, nil
}

func (f *fakeDocker) RunOneShot(ctx context.Context, image string, cmd []string, mounts []docker.MountConfig) error {
	f.oneShots = append(f.oneShots, cmd)
	return nil
}

// fakeSource serves static agent configuration.
type fakeSource struct {
	agent  *models.Agent
	config *models.SharedFolderConfig
	peers  []string
}

func (f *fakeSource) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	return f.agent, nil
}

func (f *fakeSource) GetSharedFolderConfig(ctx context.Context, name string) (*models.SharedFolderConfig, error) {
	return f.config, nil
}

func (f *fakeSource) ListConsumablePeers(ctx context.Context, name string) ([]string, error) {
	return f.peers, nil
}

func newTestController(source *fakeSource) (*Controller, *fakeDocker) {
	fd := newFakeDocker()
	c := NewController(fd, source, DefaultConfig(), logger.Default())
	return c, fd
}

func plainSource() *fakeSource {
	return &fakeSource{
		agent:  &models.Agent{Name: "pi", Image: "trinity/agent:latest"},
		config: &models.SharedFolderConfig{AgentName: "pi"},
	}
}

func TestStartCreatesFreshContainer(t *testing.T) {
	c, fd := newTestController(plainSource())

	result, err := c.Start(context.Background(), "pi")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if result.Recreated {
		t.Error("fresh creation must not report recreation")
	}

	ctr := fd.containers["agent-pi"]
	if ctr == nil {
		t.Fatal("expected container to exist")
	}
	if !ctr.Running {
		t.Error("expected container to be started")
	}
	if len(ctr.Mounts) != 1 || ctr.Mounts[0].Target != WorkspacePath {
		t.Errorf("expected only the workspace mount, got %+v", ctr.Mounts)
	}
}

func TestStartInPlaceWhenConverged(t *testing.T) {
	c, fd := newTestController(plainSource())
	ctx := context.Background()

	if _, err := c.Start(ctx, "pi"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	firstID := fd.containers["agent-pi"].ID

	result, err := c.Start(ctx, "pi")
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if result.Recreated {
		t.Error("converged container must not be recreated")
	}
	if result.ContainerID != firstID {
		t.Error("expected the same container")
	}
	if len(fd.removed) != 0 {
		t.Error("no container should have been removed")
	}
}

func TestStartRecreatesOnMountDrift(t *testing.T) {
	source := plainSource()
	c, fd := newTestController(source)
	ctx := context.Background()

	// Container exists with only the workspace mount.
	if _, err := c.Start(ctx, "pi"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	oldID := fd.containers["agent-pi"].ID
	fd.containers["agent-pi"].Env = []string{"FOO=bar"}
	fd.containers["agent-pi"].Labels = map[string]string{"trinity.agent": "pi", "tier": "gold"}

	// Config now declares expose + consume with one exposing permitted peer.
	source.config.ExposeEnabled = true
	source.config.ConsumeEnabled = true
	source.peers = []string{"peer"}
	fd.volumes[SharedVolumeName("peer")] = true

	result, err := c.Start(ctx, "pi")
	if err != nil {
		t.Fatalf("Start after config change failed: %v", err)
	}
	if !result.Recreated {
		t.Fatal("expected recreation on mount drift")
	}

	if len(fd.stopped) == 0 || fd.stopped[0] != oldID {
		t.Error("expected old container stopped")
	}
	if len(fd.removed) == 0 || fd.removed[0] != oldID {
		t.Error("expected old container removed")
	}

	ctr := fd.containers["agent-pi"]
	if ctr == nil {
		t.Fatal("expected replacement container")
	}

	targets := make(map[string]docker.MountConfig)
	for _, m := range ctr.Mounts {
		targets[m.Target] = m
	}
	if _, ok := targets[WorkspacePath]; !ok {
		t.Error("workspace mount must be preserved")
	}
	out, ok := targets[SharedOutPath]
	if !ok || out.Source != "agent-pi-shared" {
		t.Errorf("expected own shared volume at /shared-out, got %+v", out)
	}
	in, ok := targets[SharedInPrefix+"peer"]
	if !ok || in.Source != "agent-peer-shared" || !in.ReadOnly {
		t.Errorf("expected read-only peer volume at /shared-in/peer, got %+v", in)
	}

	// Non-shared configuration is preserved verbatim.
	if len(ctr.Env) != 1 || ctr.Env[0] != "FOO=bar" {
		t.Errorf("expected env preserved, got %v", ctr.Env)
	}
	if ctr.Labels["tier"] != "gold" {
		t.Error("expected labels preserved")
	}
}

func TestStartChownsFreshExposeVolume(t *testing.T) {
	source := plainSource()
	source.config.ExposeEnabled = true
	c, fd := newTestController(source)

	if _, err := c.Start(context.Background(), "pi"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !fd.volumes[SharedVolumeName("pi")] {
		t.Fatal("expected shared volume created")
	}
	if len(fd.oneShots) != 1 {
		t.Fatalf("expected one chown helper run, got %d", len(fd.oneShots))
	}
	cmd := fd.oneShots[0]
	if cmd[0] != "chown" || cmd[len(cmd)-1] != "/shared" {
		t.Errorf("unexpected helper command: %v", cmd)
	}

	// Second start: the volume exists, no second chown.
	if _, err := c.Start(context.Background(), "pi"); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if len(fd.oneShots) != 1 {
		t.Error("chown must only run on first volume creation")
	}
}

func TestStartRecreatesWhenConsumeRevoked(t *testing.T) {
	source := plainSource()
	source.config.ExposeEnabled = true
	source.config.ConsumeEnabled = true
	source.peers = []string{"peer"}
	c, fd := newTestController(source)
	ctx := context.Background()

	fd.volumes[SharedVolumeName("peer")] = true
	if _, err := c.Start(ctx, "pi"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}

	// The peer stops exposing; its mount must disappear.
	source.peers = nil

	result, err := c.Start(ctx, "pi")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !result.Recreated {
		t.Fatal("expected recreation when a peer mount is no longer expected")
	}

	for _, m := range fd.containers["agent-pi"].Mounts {
		if m.Target == SharedInPrefix+"peer" {
			t.Error("revoked peer mount must be gone")
		}
	}
}

func TestMountSetComparison(t *testing.T) {
	a := []docker.MountConfig{
		{Type: docker.MountVolume, Source: "v1", Target: "/shared-out"},
		{Type: docker.MountVolume, Source: "v2", Target: "/shared-in/p", ReadOnly: true},
	}
	b := []docker.MountConfig{
		{Type: docker.MountVolume, Source: "v2", Target: "/shared-in/p", ReadOnly: true},
		{Type: docker.MountVolume, Source: "v1", Target: "/shared-out"},
	}
	if !mountSetsEqual(a, b) {
		t.Error("order must not matter")
	}

	// Mode participates in identity.
	b[0].ReadOnly = false
	if mountSetsEqual(a, b) {
		t.Error("mode change must break equality")
	}
}

func TestIsSharedMount(t *testing.T) {
	if !isSharedMount("/shared-out") || !isSharedMount("/shared-in/peer") {
		t.Error("shared targets misclassified")
	}
	if isSharedMount("/workspace") || isSharedMount("/etc") {
		t.Error("non-shared targets misclassified")
	}
}
