package events

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events/bus"
)

// Provide builds the configured event bus implementation.
//
// Selection order: explicit events.backend, otherwise Redis when a client is
// available (the execution plane already requires one), otherwise NATS when a
// URL is configured, otherwise in-memory.
func Provide(cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (bus.EventBus, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Events.Backend))
	if backend == "" {
		switch {
		case redisClient != nil:
			backend = "redis"
		case strings.TrimSpace(cfg.NATS.URL) != "":
			backend = "nats"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("events.backend=redis but no redis client configured")
		}
		return bus.NewRedisEventBus(redisClient, log), nil
	case "nats":
		return bus.NewNATSEventBus(cfg.NATS, log)
	case "memory":
		return bus.NewMemoryEventBus(log), nil
	default:
		return nil, fmt.Errorf("unknown events backend: %s", backend)
	}
}
