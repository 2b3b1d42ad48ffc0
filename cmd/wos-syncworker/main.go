package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/observability"
	"github.com/lzjever/mbos-wos/internal/syncworker"
)

type config struct {
	Addr            string        `envconfig:"WOS_WORKER_ADDR" default:"0.0.0.0:8090"`
	Root            string        `envconfig:"WOS_WORKER_ROOT" default:"/workspace"`
	LogLevel        string        `envconfig:"WOS_LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"WOS_SHUTDOWN_TIMEOUT" default:"10s"`
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, _ := observability.NewLogger(cfg.LogLevel)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if fi, err := os.Stat(cfg.Root); err != nil || !fi.IsDir() {
		log.Fatal("worker root is not a directory", zap.String("root", cfg.Root), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/sync", syncworker.NewServer(cfg.Root, log))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		log.Info("sync worker starting", zap.String("addr", cfg.Addr), zap.String("root", cfg.Root))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("sync worker failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down sync worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
