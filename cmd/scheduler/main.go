// Package main is the entry point for the Trinity scheduler service.
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
	agentrepo "github.com/trinity/trinity/internal/agent/repository"
	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/execqueue"
	"github.com/trinity/trinity/internal/scheduler"
	"github.com/trinity/trinity/internal/scheduler/api"
	schedrepo "github.com/trinity/trinity/internal/schedule/repository"
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

	log.Info("Starting Trinity scheduler...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Open the relational store
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	// 4. Connect to Redis (locks, queue, events)
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

	// 6. Repositories and collaborators
	scheduleRepo, err := schedrepo.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize schedule repository", zap.Error(err))
	}
	agentRepo, err := agentrepo.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent repository", zap.Error(err))
	}

	queue := execqueue.New(redisStore, execqueue.Config{
		MaxQueueSize: cfg.Queue.MaxSize,
		ExecutionTTL: cfg.Queue.ExecutionTTLDuration(),
	}, log)

	agents := agentclient.New(cfg.Agent.URLFormat, time.Duration(cfg.Agent.SessionTimeout)*time.Second, log)
	activities := activity.NewClient(cfg.Internal.BaseURL, time.Duration(cfg.Internal.Timeout)*time.Second, log)

	// 7. Scheduler service
	service := scheduler.New(scheduleRepo, scheduler.Deps{
		Store:      redisStore,
		Queue:      queue,
		Agents:     agents,
		Activities: activities,
		Bus:        eventBus,
		Directory:  agentRepo,
	}, scheduler.Config{
		ReloadInterval:        cfg.Scheduler.ReloadIntervalDuration(),
		DefaultTimeout:        cfg.Scheduler.DefaultTimeout,
		MinTimeout:            cfg.Scheduler.MinTimeout,
		MaxTimeout:            cfg.Scheduler.MaxTimeout,
		LockAcquireTimeout:    cfg.Scheduler.LockAcquireTimeoutDuration(),
		LockLeaseMargin:       time.Duration(cfg.Scheduler.LockLeaseMargin) * time.Second,
		PublishEvents:         cfg.Scheduler.PublishEvents,
		ResponseTruncateBytes: cfg.Scheduler.ResponseTruncateBytes,
		RouteThroughQueue:     cfg.Scheduler.RouteThroughQueue,
		MaxQueueSize:          cfg.Queue.MaxSize,
	}, log)

	if err := service.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer func() {
		if err := service.Stop(); err != nil {
			log.Warn("scheduler stop failed", zap.Error(err))
		}
	}()

	// 8. HTTP server: manual trigger + health
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(service, log)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Scheduler.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Scheduler HTTP server listening", zap.String("addr", server.Addr))
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
		log.Error("scheduler exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Trinity scheduler stopped")
}
