package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/Pavan0228/SnapDeploy/api/internal/app/migrate"
	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	httpx "github.com/Pavan0228/SnapDeploy/api/internal/http"
	"github.com/Pavan0228/SnapDeploy/api/internal/logstore"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository/postgres"
	"github.com/Pavan0228/SnapDeploy/api/internal/service/deploy"
	"github.com/Pavan0228/SnapDeploy/api/internal/service/ingest"
	"github.com/Pavan0228/SnapDeploy/api/internal/service/logs"
	"github.com/Pavan0228/SnapDeploy/api/internal/transport"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker/docker"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker/kubernetes"
	"github.com/Pavan0228/SnapDeploy/db"
	"github.com/Pavan0228/SnapDeploy/pkg/config"
	"github.com/Pavan0228/SnapDeploy/pkg/crypto"
	"github.com/Pavan0228/SnapDeploy/pkg/logger"
	"github.com/Pavan0228/SnapDeploy/pkg/logstream"
)

const (
	logStreamMaxLen = 100_000
	shutdownTimeout = 10 * time.Second
)

type closableLauncher interface {
	worker.Launcher
	Close() error
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, db.Migrations, db.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	box, err := crypto.NewBox(cfg.SecretEncryptionKey)
	if err != nil {
		log.Error("failed to configure secret box", "error", err)
		os.Exit(1)
	}

	launcher, err := newLauncher(cfg, log)
	if err != nil {
		log.Error("failed to configure worker runtime", "backend", cfg.WorkerBackend, "error", err)
		os.Exit(1)
	}
	defer launcher.Close()
	if p, ok := launcher.(interface{ Ping(context.Context) error }); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.Ping(pingCtx); err != nil {
			log.Warn("worker runtime unreachable at startup; deployments will fail until it recovers", "backend", cfg.WorkerBackend, "error", err)
		}
		cancel()
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	redisUp := pingRedis(ctx, rdb) == nil
	if !redisUp {
		log.Warn("log transport unreachable at startup; ingestion will retry", "addr", cfg.RedisAddr)
	}

	repo := postgres.New(pool)
	producer := logstream.NewProducer(rdb, cfg.LogStream, cfg.LogStreamPartitions, logStreamMaxLen)

	deploySvc := deploy.New(repo, repo, launcher, box, producer, log, deploy.Options{
		LaunchTimeout: cfg.WorkerLaunchTimeout,
		WatchEnabled:  cfg.WorkerWatchEnabled,
		WatchInterval: cfg.WorkerWatchInterval,
		Transport: deploy.TransportEnv{
			Addr:       cfg.RedisAddr,
			Stream:     cfg.LogStream,
			Partitions: cfg.LogStreamPartitions,
		},
	})
	defer deploySvc.Close()

	store := logstore.New(repo, log, logstore.Options{
		Attempts:         uint64(cfg.LogStoreRetryAttempts),
		RetryBase:        cfg.LogStoreRetryBase,
		BreakerThreshold: uint32(cfg.BreakerThreshold),
		BreakerTimeout:   cfg.BreakerTimeout,
		CallTimeout:      cfg.LogStoreTimeout,
	})
	monitor := logstore.NewMonitor(store, cfg.LogStoreHealthInterval, log)
	go monitor.Run(ctx)

	consumer := transport.NewConsumer(rdb, log, transport.Options{
		Topic:       cfg.LogStream,
		Partitions:  cfg.LogStreamPartitions,
		Group:       cfg.LogConsumerGroup,
		Name:        cfg.LogConsumerName,
		BatchSize:   int64(cfg.IngestBatchSize),
		Block:       cfg.IngestBlock,
		ReclaimIdle: cfg.IngestReclaimIdle,
	})
	ingester := ingest.New(consumer, store, log, ingest.Options{
		Heartbeat:      cfg.IngestHeartbeat,
		RestartBackoff: cfg.IngestRestartBackoff,
		OnTerminal: func(ctx context.Context, deploymentID string, status domain.LogStatus) {
			if err := deploySvc.CompleteFromLog(ctx, deploymentID, status); err != nil {
				log.Warn("failed to complete deployment from log", "deployment_id", deploymentID, "status", status, "error", err)
			}
		},
	})
	go ingester.Run(ctx)

	reconciler := deploy.NewReconciler(deploySvc, repo, cfg.ReconcileInterval, cfg.DeploymentTTL, log)
	go reconciler.Run(ctx)

	gateway := logs.New(store, log, logs.Options{
		PollInterval:      cfg.StreamPollInterval,
		HeartbeatInterval: cfg.StreamHeartbeatInterval,
	})

	limiter := httpx.NewMemoryRateLimiter()
	if redisUp {
		limiter = httpx.NewRedisRateLimiter(rdb, log)
	}

	router := httpx.NewRouter(log, deploySvc, gateway, monitor, httpx.Options{
		JWTSecret:         cfg.JWTSecret,
		RateLimitTrigger:  cfg.RateLimitTrigger,
		RateLimitStream:   cfg.RateLimitStream,
		MaxStreamsPerUser: cfg.MaxStreamsPerUser,
		Limiter:           limiter,
		Ready:             pool.Ping,
	})

	// No WriteTimeout: log streams stay open until the deployment finishes.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "worker_backend", cfg.WorkerBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func newLauncher(cfg config.APIConfig, log *slog.Logger) (closableLauncher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.WorkerBackend)) {
	case "", "docker":
		return docker.New(cfg.DockerHost, cfg.WorkerImage, cfg.DockerNetwork, log)
	case "kubernetes", "k8s":
		return kubernetes.New(cfg.KubeNamespace, cfg.WorkerImage, log)
	default:
		return nil, fmt.Errorf("unsupported worker backend %q", cfg.WorkerBackend)
	}
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
