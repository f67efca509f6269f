package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarora2/svr/internal/broker"
	"github.com/tarora2/svr/internal/capture"
	"github.com/tarora2/svr/internal/config"
	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/metrics"
	"github.com/tarora2/svr/internal/server"
	"github.com/tarora2/svr/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.ServerConfig
	var configFile string
	cfg.BindFlags()
	flag.StringVar(&configFile, "config", "", "optional YAML config file")
	flag.Parse()
	if err := cfg.LoadFile(configFile); err != nil {
		logx.Log.Fatal().Err(err).Msg("config")
	}
	// Re-apply the command line so explicitly set flags win over the file.
	flag.Parse()

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	if cfg.StateRedisAddr != "" {
		store, err := serverstate.NewRedisStore(cfg.StateRedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("state redis")
		}
		serverstate.SetStore(store)
		defer func() { _ = store.Close() }()
	}

	policy, err := broker.ParseDropPolicy(cfg.DropPolicy)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("policy", cfg.DropPolicy).Msg("drop policy")
	}
	b := broker.New(broker.Config{
		PayloadSize:  cfg.PayloadSize,
		DropPolicy:   policy,
		BlockTimeout: cfg.BlockTimeout,
	})
	b.RegisterCapture("test", capture.NewTestPattern)
	router := broker.NewRouter(b)

	ln, err := server.Listen(router, cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("listen")
	}

	handler := server.New(b, router, cfg, server.BuildInfo{Version: version, SHA: buildSHA, Date: buildDate})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		b.Drain()
		serverstate.StartDrain()
		_ = ln.Close()
		_ = srv.Shutdown(context.Background())
	}()

	go func() {
		if err := ln.Serve(ctx); err != nil {
			logx.Log.Error().Err(err).Msg("protocol listener")
		}
	}()

	if cfg.ClientKey != "" {
		logx.Log.Info().Msg("client key required")
	}
	serverstate.SetState("ready")
	logx.Log.Info().Str("listen", cfg.ListenAddr).Int("http_port", cfg.Port).Str("host", server.Hostname()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	serverstate.SetState("stopped")
}
