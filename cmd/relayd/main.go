// Command relayd runs one node of a Clemson Relay Chat network.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CiaranWoodward/crc-relay/internal/config"
	"github.com/CiaranWoodward/crc-relay/internal/ioloop"
	"github.com/CiaranWoodward/crc-relay/internal/relay"
	"github.com/CiaranWoodward/crc-relay/internal/telemetry"
	"github.com/CiaranWoodward/crc-relay/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := telemetry.NewLogger(cfg.LogFile)
	if err != nil {
		return err
	}
	counters := telemetry.NewCounters()

	node := relay.NewNode(cfg.ID, cfg.ServerName, cfg.ServerInfo, log)
	counters.RegisterDirectorySizeGauge(func() float64 { return float64(node.Dir.Len()) })
	node.OnDispatch = func(kind wire.Kind) {
		counters.DispatchedKind(kind.String())
	}
	node.OnDropFrame = func(kind wire.Kind, reason string) {
		counters.DroppedKind(kind.String(), reason)
	}

	loop, err := ioloop.New(node, log)
	if err != nil {
		return fmt.Errorf("create I/O loop: %w", err)
	}
	loop.OnAccept = counters.ConnectionsAccepted.Inc
	loop.OnClose = counters.ConnectionsClosed.Inc
	if err := loop.Listen(cfg.Port); err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	log.Info().Int("port", cfg.Port).Uint64("id", uint64(cfg.ID)).Msg("listening")

	if cfg.HasBootstrap() {
		if err := loop.Bootstrap(cfg.BootstrapAddr, cfg.BootstrapPort, cfg.ID, cfg.ServerName, cfg.ServerInfo); err != nil {
			return fmt.Errorf("bootstrap to %s (%s:%d): %w", cfg.BootstrapHost, cfg.BootstrapAddr, cfg.BootstrapPort, err)
		}
		log.Info().Str("host", cfg.BootstrapHost).Msg("bootstrapping to existing network")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := counters.ListenAndServe(cfg.MetricsAddr); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	stop := make(chan struct{})
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- loop.Run(stop) }()

	<-quit
	log.Info().Msg("shutting down")
	close(stop)
	return <-done
}
