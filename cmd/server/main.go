// Package main is the entry point for the Trinity control-plane server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trinity/trinity/internal/activity"
	agentclient "github.com/trinity/trinity/internal/agent/client"
	"github.com/trinity/trinity/internal/agent/docker"
	agenthandlers "github.com/trinity/trinity/internal/agent/handlers"
	"github.com/trinity/trinity/internal/agent/lifecycle"
	agentrepo "github.com/trinity/trinity/internal/agent/repository"
	agentservice "github.com/trinity/trinity/internal/agent/service"
	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/execqueue"
	"github.com/trinity/trinity/internal/gateway/websocket"
	schedhandlers "github.com/trinity/trinity/internal/schedule/handlers"
	schedrepo "github.com/trinity/trinity/internal/schedule/repository"
	schedservice "github.com/trinity/trinity/internal/schedule/service"
	"github.com/trinity/trinity/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Trinity server...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Open the relational store
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	// 4. Connect to Redis (queue slots, locks, events)
	redisStore, err := store.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisStore.Close()

	// 5. Event bus
	eventBus, err := events.Provide(cfg, redisStore.Redis(), log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 6. Repositories
	scheduleRepo, err := schedrepo.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize schedule repository", zap.Error(err))
	}
	agentRepo, err := agentrepo.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent repository", zap.Error(err))
	}
	activityStore, err := activity.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize activity store", zap.Error(err))
	}

	// 7. Services
	queue := execqueue.New(redisStore, execqueue.Config{
		MaxQueueSize: cfg.Queue.MaxSize,
		ExecutionTTL: cfg.Queue.ExecutionTTLDuration(),
	}, log)

	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("Docker daemon not reachable, agent lifecycle disabled", zap.Error(err))
	}

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.Network = cfg.Docker.DefaultNetwork
	lifecycleCfg.StopTimeout = cfg.Docker.StopTimeoutDuration()
	controller := lifecycle.NewController(dockerClient, agentRepo, lifecycleCfg, log)

	agents := agentclient.New(cfg.Agent.URLFormat, time.Duration(cfg.Agent.SessionTimeout)*time.Second, log)

	activitySvc := activity.NewService(activityStore, scheduleRepo, log)
	scheduleSvc := schedservice.New(scheduleRepo, schedservice.Limits{
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		MinTimeout:     cfg.Scheduler.MinTimeout,
		MaxTimeout:     cfg.Scheduler.MaxTimeout,
	}, log)
	agentSvc := agentservice.New(queue, controller, agents, activitySvc, eventBus, agentservice.DefaultConfig(), log)

	// 8. Resume promotions handed over by the scheduler
	promoSub, err := agentSvc.SubscribePromotions()
	if err != nil {
		log.Warn("promotion subscription unavailable", zap.Error(err))
	} else {
		defer promoSub.Unsubscribe()
	}

	// 9. WebSocket fan-out of scheduler events
	hub := websocket.NewHub(log)
	go hub.Run(ctx)
	busSub, err := hub.SubscribeBus(eventBus)
	if err != nil {
		log.Warn("event fan-out subscription failed", zap.Error(err))
	} else {
		defer busSub.Unsubscribe()
	}

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "server"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("server"))

	api := router.Group("/api")
	schedhandlers.New(scheduleSvc, log).RegisterRoutes(api)
	agenthandlers.New(agentSvc, agentRepo, agents, log).RegisterRoutes(api)

	internal := router.Group("/internal")
	activity.NewHandlers(activitySvc, log).RegisterRoutes(internal)

	ws := router.Group("/ws")
	websocket.NewHandler(hub, log).RegisterRoutes(ws)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Trinity server stopped")
}
