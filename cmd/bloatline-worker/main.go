// Command bloatline-worker is one persona worker: an HTTP and WebSocket
// server bound to its dedicated port, spawned and monitored by the main
// server's supervisor.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/bloatline/bloatline/internal/config"
	"github.com/bloatline/bloatline/internal/datapool"
	"github.com/bloatline/bloatline/internal/httpapi"
	"github.com/bloatline/bloatline/internal/limits"
	"github.com/bloatline/bloatline/internal/logging"
	"github.com/bloatline/bloatline/internal/metrics"
	"github.com/bloatline/bloatline/internal/profile"
	"github.com/bloatline/bloatline/internal/worker"
)

func main() {
	var (
		personaFlag = flag.String("persona", "", "persona to serve (streamer, gamer, video-call, bulk)")
		portFlag    = flag.Int("port", 0, "port to bind (0 uses the persona's canonical port)")
		logLevel    = flag.String("log-level", "info", "log level")
		logFormat   = flag.String("log-format", "json", "log format (json or pretty)")
	)
	flag.Parse()

	persona := profile.Persona(*personaFlag)
	logger := logging.New(logging.Config{
		Level:   *logLevel,
		Format:  logging.Format(*logFormat),
		Service: "bloatline-worker",
	})

	if !profile.Valid(persona) {
		logger.Error().Str("persona", *personaFlag).Msg("unknown persona")
		os.Exit(1)
	}
	port := *portFlag
	if port == 0 {
		port = profile.Ports[persona]
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	m := metrics.New("worker")
	limiter := limits.New(limits.Config{
		MaxSessions:        cfg.RateLimitSessions,
		DownloadsPerHour:   cfg.RateLimitDownloadsPerHour,
		BandwidthGBPerHr:   cfg.RateLimitBandwidthGBHour,
		CleanupInterval:    cfg.RateLimitCleanupInterval,
		TrustedAgentPrefix: cfg.TrustedAgentPrefix,
		Logger:             logger,
		Registerer:         m.Registry,
	})
	sysmon := metrics.NewSystemMonitor(5*time.Second, logger)

	srv, err := worker.New(worker.Config{
		Persona: persona,
		Port:    port,
		Pool:    datapool.New(),
		Limits:  limiter,
		Metrics: m,
		SysMon:  sysmon,
		Upload: httpapi.UploadPolicy{
			MaxBytes:         cfg.UploadMaxBytes,
			CeilingMbps:      cfg.UploadCeilingMbps,
			CeilingBatchMbps: cfg.UploadCeilingBatchMbps,
			CeilingPrioMbps:  cfg.UploadCeilingPrioMbps,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to build worker")
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start worker")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("worker shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("worker drain incomplete")
	}
	sysmon.Stop()
	limiter.Stop()
}
