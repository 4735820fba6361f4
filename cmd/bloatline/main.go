// Command bloatline is the main server: static client, API front, isolated
// ping listener, and the persona worker fleet supervisor.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/bloatline/bloatline/internal/config"
	"github.com/bloatline/bloatline/internal/datapool"
	"github.com/bloatline/bloatline/internal/httpapi"
	"github.com/bloatline/bloatline/internal/limits"
	"github.com/bloatline/bloatline/internal/logging"
	"github.com/bloatline/bloatline/internal/metrics"
	"github.com/bloatline/bloatline/internal/pingserver"
	"github.com/bloatline/bloatline/internal/router"
	"github.com/bloatline/bloatline/internal/supervisor"
)

func main() {
	var (
		port      = flag.Int("port", 0, "listen port (overrides PORT)")
		tlsCert   = flag.String("tls-cert", "", "TLS certificate path (overrides TLS_CERT)")
		tlsKey    = flag.String("tls-key", "", "TLS key path (overrides TLS_KEY)")
		staticDir = flag.String("static", "", "static client directory (overrides STATIC_DIR)")
		workerBin = flag.String("worker-bin", "", "bloatline-worker binary path")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{Service: "bloatline"})
		bootLogger.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *tlsCert != "" {
		cfg.TLSCert = *tlsCert
	}
	if *tlsKey != "" {
		cfg.TLSKey = *tlsKey
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "bloatline",
	})
	cfg.Log(logger)

	pool := datapool.New()
	m := metrics.New("main")
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

	handlers := &httpapi.Handlers{
		Pool:   pool,
		Limits: limiter,
		Upload: httpapi.UploadPolicy{
			MaxBytes:         cfg.UploadMaxBytes,
			CeilingMbps:      cfg.UploadCeilingMbps,
			CeilingBatchMbps: cfg.UploadCeilingBatchMbps,
			CeilingPrioMbps:  cfg.UploadCeilingPrioMbps,
		},
		Logger: logger,
		Source: "main",
	}

	pingSrv := pingserver.New(cfg.PingPort, handlers, logger)
	if err := pingSrv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start ping listener")
		os.Exit(1)
	}

	var fleet router.Fleet
	var sup *supervisor.Supervisor
	if cfg.EnableWorkers {
		bin := *workerBin
		if bin == "" {
			// Default to a sibling of this executable.
			if self, err := os.Executable(); err == nil {
				bin = filepath.Join(filepath.Dir(self), "bloatline-worker")
			} else {
				bin = "bloatline-worker"
			}
		}
		sup = supervisor.New(supervisor.Config{
			WorkerBinary: bin,
			ExtraArgs:    []string{"-log-level", cfg.LogLevel, "-log-format", cfg.LogFormat},
			Logger:       logger,
		})
		if err := sup.Start(); err != nil {
			logger.Error().Err(err).Msg("failed to start worker fleet")
			os.Exit(1)
		}
		fleet = sup
	} else {
		logger.Warn().Msg("worker fleet disabled; household lookups will return 503")
	}

	main := router.New(router.Config{
		Port:      cfg.Port,
		TLS:       cfg.TLSEnabled(),
		StaticDir: cfg.StaticDir,
		Telemetry: cfg.EnableTelemetry,
		Fleet:     fleet,
		Limits:    limiter,
		Handlers:  handlers,
		Metrics:   m,
		SysMon:    sysmon,
		Logger:    logger,
	})
	if err := main.Start(cfg.TLSCert, cfg.TLSKey); err != nil {
		logger.Error().Err(err).Msg("failed to start main server")
		if sup != nil {
			sup.Shutdown()
		}
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	if sup != nil {
		sup.Shutdown()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := main.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("main server drain incomplete")
	}
	if err := pingSrv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("ping listener drain incomplete")
	}
	sysmon.Stop()
	limiter.Stop()
	logger.Info().Msg("shutdown complete")
}
