package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/trinity/trinity/internal/agent/docker"
)

const (
	// SharedOutPath is where an agent's own shared volume is mounted.
	SharedOutPath = "/shared-out"
	// SharedInPrefix is where permitted peers' volumes are mounted.
	SharedInPrefix = "/shared-in/"
	// WorkspacePath is the standard workspace mount target.
	WorkspacePath = "/workspace"
)

// SharedVolumeName returns the per-agent shared volume name.
func SharedVolumeName(agentName string) string {
	return fmt.Sprintf("agent-%s-shared", agentName)
}

// expectedSharedMounts derives the shared-folder mount set from the declared
// configuration: the agent's own volume at /shared-out when exposing, and one
// read-only mount per consumable peer under /shared-in/.
func expectedSharedMounts(agentName string, expose, consume bool, peers []string) []docker.MountConfig {
	var mounts []docker.MountConfig

	if expose {
		mounts = append(mounts, docker.MountConfig{
			Type:   docker.MountVolume,
			Source: SharedVolumeName(agentName),
			Target: SharedOutPath,
		})
	}

	if consume {
		for _, peer := range peers {
			mounts = append(mounts, docker.MountConfig{
				Type:     docker.MountVolume,
				Source:   SharedVolumeName(peer),
				Target:   SharedInPrefix + peer,
				ReadOnly: true,
			})
		}
	}

	return mounts
}

// isSharedMount reports whether a mount target belongs to the shared-folder
// convention. Non-shared mounts are preserved verbatim on recreation.
func isSharedMount(target string) bool {
	return target == SharedOutPath || strings.HasPrefix(target, SharedInPrefix)
}

// splitMounts partitions a container's mounts into shared and non-shared.
func splitMounts(mounts []docker.MountConfig) (shared, other []docker.MountConfig) {
	for _, m := range mounts {
		if isSharedMount(m.Target) {
			shared = append(shared, m)
		} else {
			other = append(other, m)
		}
	}
	return shared, other
}

// mountKey is the identity used for convergence comparison.
func mountKey(m docker.MountConfig) string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return m.Source + "\x1f" + m.Target + "\x1f" + mode
}

// mountSetsEqual compares two mount sets on (source, target, mode) triples.
func mountSetsEqual(a, b []docker.MountConfig) bool {
	if len(a) != len(b) {
		return false
	}
	ka := make([]string, 0, len(a))
	kb := make([]string, 0, len(b))
	for _, m := range a {
		ka = append(ka, mountKey(m))
	}
	for _, m := range b {
		kb = append(kb, mountKey(m))
	}
	sort.Strings(ka)
	sort.Strings(kb)
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}
