package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/andy6609/roomchat-server/internal/chat"
	"github.com/andy6609/roomchat-server/internal/config"
	"github.com/andy6609/roomchat-server/internal/store"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional .env file")
	port := flag.Int("port", -1, "chat listen port (overrides CHAT_PORT)")
	metricsAddr := flag.String("metrics-addr", "", "metrics listen address (overrides CHAT_METRICS_ADDR)")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*envFile, bootLogger)
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// GOMAXPROCS must follow the container quota before I/O threads and
	// workers are sized from the core count.
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("failed to set GOMAXPROCS", "error", err)
	}
	cfg.LogAttrs(logger)

	var opts []chat.Option
	var st *store.Store
	if cfg.DBPath != "" {
		st, err = store.New(cfg.DBPath, logger)
		if err != nil {
			logger.Error("failed to open moderation store", "path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		opts = append(opts, chat.WithStore(st))
	}

	srv := chat.NewServer(*cfg, logger, opts...)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
	}

	operations := map[string]gfshutdown.Operation{
		"chat-server": func(context.Context) error {
			srv.Stop()
			if st != nil {
				return st.Close()
			}
			return nil
		},
	}
	if metricsSrv != nil {
		operations["metrics"] = func(ctx context.Context) error {
			return metricsSrv.Shutdown(ctx)
		}
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, operations)
	exitCode := <-wait
	logger.Info("server exited", "code", exitCode)
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
