package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/gateway"
	"github.com/lzjever/mbos-wos/internal/image"
	"github.com/lzjever/mbos-wos/internal/observability"
	"github.com/lzjever/mbos-wos/internal/provision"
	"github.com/lzjever/mbos-wos/internal/sandbox"
	"github.com/lzjever/mbos-wos/internal/store"
	"github.com/lzjever/mbos-wos/internal/syncer"
)

func main() {
	var cfg gateway.Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, _ := observability.NewLogger(cfg.LogLevel)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	reg := prometheus.DefaultRegisterer
	observability.RegisterAll(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.DBDSN, cfg.DBMaxConns)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()
	queries := store.New(pool)

	daemon, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatal("docker daemon client failed", zap.Error(err))
	}
	defer daemon.Close()

	provider := sandbox.NewClient(cfg.ProviderURL, cfg.ProviderTimeout)

	gw := gateway.New(cfg, queries, log)

	admission := image.New(daemon, gw.EmitPullProgress, log)
	provisioner := provision.New(provision.Config{
		WorkspaceRoot:      cfg.WorkspaceRoot,
		CloneTimeout:       cfg.CloneTimeout,
		MaintenanceScript:  cfg.MaintenanceScript,
		MaintenanceTimeout: cfg.MaintenanceTimeout,
	}, queries, gw.EmitWorkspaceStatus, log)
	launcher := sandbox.NewLauncher(provider, queries, gw.EmitWorkspaceStatus, log)
	coordinator := syncer.NewCoordinator(syncer.Config{
		DialTimeout:     cfg.SyncDialTimeout,
		FullSyncTimeout: cfg.FullSyncTimeout,
	}, workerResolver{provider}, log)

	gw.Attach(admission, provisioner, launcher, provider, coordinator)
	gw.RefreshProviderCache = func(ctx context.Context) error {
		envs, err := provider.ListEnvironments(ctx)
		if err != nil {
			return err
		}
		log.Info("provider environment cache refreshed", zap.Int("environments", len(envs)))
		return nil
	}

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     gw.Router(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("gateway starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("gateway failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info("gateway stopped")
}

// workerResolver maps a sandbox id to its sync worker URL through the
// provider, which is the durable record of connection info.
type workerResolver struct {
	provider *sandbox.Client
}

func (r workerResolver) WorkerURL(ctx context.Context, remoteID string) (string, error) {
	sb, err := r.provider.GetSandbox(ctx, remoteID)
	if err != nil {
		return "", err
	}
	if sb.WorkerURL == "" {
		return "", fmt.Errorf("sandbox %s has no sync worker url", remoteID)
	}
	return sb.WorkerURL, nil
}
