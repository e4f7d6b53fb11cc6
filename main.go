// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/portproxy/pkg/config"
	"github.com/go-core-stack/portproxy/pkg/control"
	"github.com/go-core-stack/portproxy/pkg/handler"
	"github.com/go-core-stack/portproxy/pkg/listener"
	"github.com/go-core-stack/portproxy/pkg/registry"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if isatty.IsTerminal(os.Stdout.Fd()) {
		log.Logger = log.Output(colorable.NewColorableStdout())
	}

	cfg := config.Defaults()

	root := &cobra.Command{
		Use:   "portproxyd",
		Short: "dynamically-reconfigurable HTTP/HTTPS forward-proxy multiplexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	cfg.BindFlags(root.Flags())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("portproxyd exited with error")
	}
}

func run(cfg config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Logger.Level(level)

	metricsRegistry := prometheus.NewRegistry()
	metrics := handler.NewMetrics(metricsRegistry)

	connHandler := handler.New(handler.Config{DialTimeout: cfg.UpstreamDialTimeout}, metrics)
	factory := &listener.Factory{BindHost: cfg.BindHost, Handler: connHandler}
	reg := registry.New(factory.Spawn)

	admin := control.NewServer(reg, promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.AdminListenAddr,
		Handler:      admin,
		ReadTimeout:  cfg.AdminReadTimeout,
		WriteTimeout: cfg.AdminWriteTimeout,
		IdleTimeout:  cfg.AdminIdleTimeout,
	}

	go func() {
		log.Info().Str("admin_listen_addr", cfg.AdminListenAddr).Msg("starting control plane")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("control plane exited unexpectedly")
		}
	}()

	waitForShutdown(context.Background(), server, reg, cfg.GracefulShutdown)
	return nil
}

func waitForShutdown(ctx context.Context, srv *http.Server, reg *registry.Registry, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down portproxyd")

	for _, entry := range reg.Snapshot() {
		if err := reg.Delete(entry.Port); err != nil {
			log.Warn().Err(err).Uint16("port", entry.Port).Msg("failed to tear down binding during shutdown")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	log.Info().Msg("portproxyd stopped")
}
