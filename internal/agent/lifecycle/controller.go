// Package lifecycle guarantees that a started agent container's volume
// mounts match the declared shared-folder configuration. Mounts are a
// creation-time property in Docker, so convergence on drift means recreating
// the container with its non-shared configuration preserved.
package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/agent/docker"
	"github.com/trinity/trinity/internal/agent/models"
	"github.com/trinity/trinity/internal/common/logger"
)

// DockerAPI is the subset of the Docker wrapper the controller uses,
// extracted so tests can substitute a fake.
type DockerAPI interface {
	FindContainerByName(ctx context.Context, name string) (*docker.ContainerInfo, error)
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerDetails, error)
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	EnsureVolume(ctx context.Context, name string, labels map[string]string) (bool, error)
	RunOneShot(ctx context.Context, image string, cmd []string, mounts []docker.MountConfig) error
}

// ConfigSource answers what an agent's mounts should look like.
type ConfigSource interface {
	GetAgent(ctx context.Context, name string) (*models.Agent, error)
	GetSharedFolderConfig(ctx context.Context, name string) (*models.SharedFolderConfig, error)
	ListConsumablePeers(ctx context.Context, name string) ([]string, error)
}

// Config holds controller tuning.
type Config struct {
	// WorkspaceBasePath is the host directory holding per-agent workspaces.
	WorkspaceBasePath string
	// HelperImage runs the one-shot chown on freshly created shared volumes.
	HelperImage string
	// Network is the container network agents attach to.
	Network string
	// StopTimeout is the grace period when stopping a container for recreation.
	StopTimeout time.Duration
}

// DefaultConfig returns standard controller tuning.
func DefaultConfig() Config {
	return Config{
		WorkspaceBasePath: "/var/lib/trinity/workspaces",
		HelperImage:       "alpine:3.20",
		Network:           "trinity-network",
		StopTimeout:       10 * time.Second,
	}
}

// StartResult reports what Start did.
type StartResult struct {
	ContainerID string `json:"container_id"`
	Recreated   bool   `json:"recreated"`
}

// Controller converges container mounts with declared configuration.
type Controller struct {
	docker DockerAPI
	source ConfigSource
	config Config
	logger *logger.Logger
}

// NewController creates a lifecycle controller.
func NewController(dockerAPI DockerAPI, source ConfigSource, cfg Config, log *logger.Logger) *Controller {
	return &Controller{
		docker: dockerAPI,
		source: source,
		config: cfg,
		logger: log.WithFields(zap.String("component", "lifecycle")),
	}
}

// ContainerName returns the container name for an agent.
func ContainerName(agentName string) string {
	return "agent-" + agentName
}

// Start brings the agent's container up with the correct mount set. An
// existing container whose shared mounts already match is started in place;
// any divergence triggers recreation with non-shared configuration preserved.
func (c *Controller) Start(ctx context.Context, agentName string) (*StartResult, error) {
	log := c.logger.WithAgent(agentName)

	expected, err := c.expectedMounts(ctx, agentName)
	if err != nil {
		return nil, err
	}

	existing, err := c.docker.FindContainerByName(ctx, ContainerName(agentName))
	if err != nil {
		return nil, err
	}

	if existing == nil {
		id, err := c.createFresh(ctx, agentName, expected)
		if err != nil {
			return nil, err
		}
		if err := c.docker.StartContainer(ctx, id); err != nil {
			return nil, err
		}
		log.Info("agent container created and started", zap.String("container_id", id))
		return &StartResult{ContainerID: id, Recreated: false}, nil
	}

	details, err := c.docker.InspectContainer(ctx, existing.ID)
	if err != nil {
		return nil, err
	}

	actualShared, nonShared := splitMounts(details.Mounts)
	if mountSetsEqual(actualShared, expected) {
		if !details.Running {
			if err := c.docker.StartContainer(ctx, details.ID); err != nil {
				return nil, err
			}
		}
		log.Debug("shared mounts converged, container started in place")
		return &StartResult{ContainerID: details.ID, Recreated: false}, nil
	}

	log.Info("shared mount drift detected, recreating container",
		zap.Int("actual", len(actualShared)),
		zap.Int("expected", len(expected)))

	id, err := c.recreate(ctx, details, nonShared, expected)
	if err != nil {
		return nil, err
	}
	if err := c.docker.StartContainer(ctx, id); err != nil {
		return nil, err
	}

	log.Info("agent container recreated", zap.String("container_id", id))
	return &StartResult{ContainerID: id, Recreated: true}, nil
}

// Stop stops the agent's container if present.
func (c *Controller) Stop(ctx context.Context, agentName string) error {
	existing, err := c.docker.FindContainerByName(ctx, ContainerName(agentName))
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	return c.docker.StopContainer(ctx, existing.ID, c.config.StopTimeout)
}

// expectedMounts computes the declared shared-mount set, ensuring exposed
// volumes exist (with a one-shot chown on first creation so the agent's
// non-root user owns them).
func (c *Controller) expectedMounts(ctx context.Context, agentName string) ([]docker.MountConfig, error) {
	cfg, err := c.source.GetSharedFolderConfig(ctx, agentName)
	if err != nil {
		return nil, fmt.Errorf("shared folder config: %w", err)
	}

	var peers []string
	if cfg.ConsumeEnabled {
		peers, err = c.source.ListConsumablePeers(ctx, agentName)
		if err != nil {
			return nil, fmt.Errorf("consumable peers: %w", err)
		}
	}

	if cfg.ExposeEnabled {
		created, err := c.docker.EnsureVolume(ctx, SharedVolumeName(agentName), map[string]string{
			"trinity.agent": agentName,
		})
		if err != nil {
			return nil, err
		}
		if created {
			if err := c.chownVolume(ctx, agentName); err != nil {
				return nil, err
			}
		}
	}

	return expectedSharedMounts(agentName, cfg.ExposeEnabled, cfg.ConsumeEnabled, peers), nil
}

// chownVolume hands ownership of a freshly created shared volume to the
// agent's non-root user.
func (c *Controller) chownVolume(ctx context.Context, agentName string) error {
	err := c.docker.RunOneShot(ctx, c.config.HelperImage,
		[]string{"chown", "1000:1000", "/shared"},
		[]docker.MountConfig{{
			Type:   docker.MountVolume,
			Source: SharedVolumeName(agentName),
			Target: "/shared",
		}})
	if err != nil {
		return fmt.Errorf("chown shared volume: %w", err)
	}
	return nil
}

// createFresh builds a container for an agent that has none yet: the
// workspace bind plus the expected shared mounts.
func (c *Controller) createFresh(ctx context.Context, agentName string, shared []docker.MountConfig) (string, error) {
	agent, err := c.source.GetAgent(ctx, agentName)
	if err != nil {
		return "", err
	}

	mounts := append([]docker.MountConfig{{
		Type:   docker.MountBind,
		Source: filepath.Join(c.config.WorkspaceBasePath, agentName),
		Target: WorkspacePath,
	}}, shared...)

	return c.docker.CreateContainer(ctx, docker.ContainerConfig{
		Name:        ContainerName(agentName),
		Image:       agent.Image,
		Mounts:      mounts,
		NetworkMode: c.config.Network,
		Labels: map[string]string{
			"trinity.agent": agentName,
		},
	})
}

// recreate replaces a container, preserving image, env, labels, network,
// resources, command, and all non-shared mounts.
func (c *Controller) recreate(ctx context.Context, details *docker.ContainerDetails, nonShared, shared []docker.MountConfig) (string, error) {
	if details.Running {
		if err := c.docker.StopContainer(ctx, details.ID, c.config.StopTimeout); err != nil {
			return "", err
		}
	}
	if err := c.docker.RemoveContainer(ctx, details.ID, true); err != nil {
		return "", err
	}

	return c.docker.CreateContainer(ctx, docker.ContainerConfig{
		Name:        details.Name,
		Image:       details.Image,
		Cmd:         details.Cmd,
		Env:         details.Env,
		WorkingDir:  details.WorkingDir,
		Mounts:      append(append([]docker.MountConfig{}, nonShared...), shared...),
		NetworkMode: details.NetworkMode,
		Memory:      details.Memory,
		CPUQuota:    details.CPUQuota,
		Labels:      details.Labels,
	})
}
