package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pavan0228/SnapDeploy/api/internal/proxy"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository/postgres"
	"github.com/Pavan0228/SnapDeploy/pkg/config"
	"github.com/Pavan0228/SnapDeploy/pkg/logger"
)

const metricsPath = "/__snapdeploy_metrics"

func main() {
	cfg := config.LoadProxyConfig()
	log := logger.New("proxy", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	resolver := proxy.NewResolver(postgres.New(pool), cfg.CacheTTL, log)
	go resolver.Run(ctx, cfg.CacheSweep)

	opts := proxy.Options{
		UpstreamTimeout: cfg.UpstreamTimeout,
		HealthPath:      cfg.HealthPath,
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		probe, err := proxy.NewOriginProbe(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Error("failed to configure origin probe", "error", err)
			os.Exit(1)
		}
		opts.Probe = probe
	}
	handler, err := proxy.NewHandler(resolver, cfg.OriginBaseURL, log, opts)
	if err != nil {
		log.Error("failed to configure proxy", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("proxy server starting", "addr", cfg.Addr, "origin", cfg.OriginBaseURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("proxy server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
