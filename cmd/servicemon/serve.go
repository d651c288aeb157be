package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nikiz24/servicemon"
	"github.com/nikiz24/servicemon/internal/config"
	"github.com/nikiz24/servicemon/internal/logging"
	"github.com/nikiz24/servicemon/internal/server"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
	service       string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Start the HTTP service with the given configuration.

Examples:
  # Defaults: product-api on 0.0.0.0:5000
  servicemon serve

  # Run as the order API on another port
  servicemon serve --service order-api --listen :4000

  # Validate config without starting the server
  servicemon serve --config servicemon.yaml --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveFlags.service, "service", "", "override service label")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.Logging.Level = serveFlags.logLevel
	}
	if serveFlags.service != "" {
		cfg.Service.Name = serveFlags.service
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if serveFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
		return nil
	}

	logger, level, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := servicemon.NewRegistry(servicemon.WithRegistryLogger(logger))
	inst, err := servicemon.NewInstrumentor(reg, cfg.Service.Name,
		servicemon.WithInstrumentorLogger(logger),
		servicemon.WithLatencyBuckets(cfg.Metrics.LatencyBuckets...),
		servicemon.WithSeriesLimit(cfg.Metrics.MaxSeries))
	if err != nil {
		return fmt.Errorf("creating instrumentor: %w", err)
	}

	rendererOpts := []servicemon.RendererOption{servicemon.WithRendererLogger(logger)}
	if cfg.Metrics.RuntimeMetrics {
		rendererOpts = append(rendererOpts, servicemon.WithExtraGatherer(servicemon.NewRuntimeGatherer(logger)))
	}
	renderer := servicemon.NewRenderer(reg, rendererOpts...)

	if cfg.RemoteWrite.URL != "" {
		rw, err := servicemon.NewRemoteWriter(reg, remoteWriteConfig(cfg, logger))
		if err != nil {
			return fmt.Errorf("creating remote writer: %w", err)
		}
		if err := rw.Start(ctx); err != nil {
			return err
		}
		defer rw.Stop()
	}

	if cfgFile != "" {
		go func() {
			err := config.Watch(ctx, cfgFile, logger, func(next *config.Config) {
				if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil && lvl != level.Level() {
					level.SetLevel(lvl)
					logger.Info("Log level changed", zap.Stringer("level", lvl))
				}
			})
			if err != nil {
				logger.Warn("Configuration watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("Starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("version", Version),
		zap.String("metrics_path", cfg.Metrics.Path))

	return server.New(cfg, inst, renderer, logger).ListenAndServe(ctx)
}

func remoteWriteConfig(cfg *config.Config, logger *zap.Logger) servicemon.RemoteWriteConfig {
	rw := cfg.RemoteWrite
	return servicemon.RemoteWriteConfig{
		URL:          rw.URL,
		Schedule:     rw.Schedule,
		Timeout:      rw.Timeout,
		Job:          cfg.Service.Name,
		Instance:     rw.Instance,
		CustomLabels: rw.CustomLabels,
		Logger:       logger,
		DNS: servicemon.DNSConfig{
			Enable:          rw.DNS.Enable,
			CacheTTL:        rw.DNS.CacheTTL,
			RefreshInterval: rw.DNS.RefreshInterval,
			Timeout:         rw.DNS.Timeout,
			UDPServers:      rw.DNS.UDPServers,
			TLSServers:      rw.DNS.TLSServers,
			DoHEndpoints:    rw.DNS.DoHEndpoints,
		},
	}
}
