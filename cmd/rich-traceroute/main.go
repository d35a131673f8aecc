package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/dispatch"
	"github.com/pierky/rich-traceroute/internal/enrichers"
	"github.com/pierky/rich-traceroute/internal/events"
	"github.com/pierky/rich-traceroute/internal/housekeeping"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/ixp"
	"github.com/pierky/rich-traceroute/internal/metrics"
	"github.com/pierky/rich-traceroute/internal/traceroute"
	"github.com/pierky/rich-traceroute/internal/web"
)

const version = "1.0.0"

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "web":
		runWeb()
	case "worker":
		runWorker()
	case "--version", "-version":
		fmt.Println(version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rich-traceroute <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  web           Start the web process (submission form, pages, WebSocket)")
	fmt.Println("  worker        Start a worker process (enrichers, IXP updater, housekeeper)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string, mode config.Mode) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	if configPath == "" {
		var err error
		configPath, err = config.FindPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}

	logger := initLogger(cfg.Logging.Level)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func waitForSignal(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func runWorker() {
	cfg, logger := loadConfig(os.Args[2:], config.ModeWorker)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rich-traceroute worker",
		zap.Int("consumers", cfg.Workers.Consumers),
		zap.Int("enrichers", cfg.Workers.Enrichers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Connect(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	traceroutes, err := traceroute.NewStore(database, logger, cfg.DB.CompressRaw)
	if err != nil {
		logger.Fatal("failed to create traceroute store", zap.Error(err))
	}
	ipInfoStore := ipinfo.NewStore(database, logger)

	brokerURL := cfg.BrokerURL()

	// Outbound publishers: IP-info records and notification events.
	ipInfoDispatcher, err := dispatch.NewIPInfo(brokerURL, logger)
	if err != nil {
		logger.Fatal("failed to create IP-info dispatcher", zap.Error(err))
	}
	eventsDispatcher, err := dispatch.NewEvents(brokerURL, logger)
	if err != nil {
		logger.Fatal("failed to create events dispatcher", zap.Error(err))
	}
	ipInfoDispatcher.Start()
	eventsDispatcher.Start()

	emitter := events.NewEmitter(eventsDispatcher, logger)

	deps := enrichers.EnricherDeps{
		Traceroutes: traceroutes,
		IPInfo:      ipInfoStore,
		DNS:         enrichers.NewResolver(logger),
		Source:      enrichers.NewRIPEStat(logger),
		Emitter:     emitter,
		DispatchIPInfo: func(info ipinfo.IPDBInfo) {
			ipInfoDispatcher.Dispatch(info)
		},
	}

	var consumers []*enrichers.Consumer
	for n := 0; n < cfg.Workers.Consumers; n++ {
		consumer, err := enrichers.NewConsumer(
			fmt.Sprintf("consumer-%d", n), brokerURL,
			cfg.Workers.Enrichers, deps, logger)
		if err != nil {
			logger.Fatal("failed to create consumer", zap.Error(err))
		}
		consumer.Start()
		consumers = append(consumers, consumer)
	}

	// Schedules: the IXP refresh and the retention sweeps, each with one
	// kickoff run at startup.
	updater := ixp.NewUpdater(ixp.NewPeeringDB(logger), ipInfoStore,
		func(info ipinfo.IPDBInfo) error {
			ipInfoDispatcher.Dispatch(info)
			return nil
		}, logger)
	housekeeper := housekeeping.NewHousekeeper(traceroutes, ipInfoStore, logger)

	schedules := cron.New()
	if _, err := schedules.AddFunc("@every 3h", func() {
		if err := updater.Run(ctx); err != nil {
			logger.Error("IXP networks refresh failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("failed to schedule IXP updater", zap.Error(err))
	}
	if _, err := schedules.AddFunc("@every 6h", func() {
		housekeeper.RunOnce(ctx)
	}); err != nil {
		logger.Fatal("failed to schedule housekeeper", zap.Error(err))
	}
	schedules.Start()

	go func() {
		if err := updater.Run(ctx); err != nil {
			logger.Error("IXP networks refresh failed", zap.Error(err))
		}
	}()
	go housekeeper.RunOnce(ctx)

	opsServer := web.NewOpsServer(cfg.Metrics.Listen, database,
		map[string]web.ConnChecker{
			"broker_ipinfo": ipInfoDispatcher,
			"broker_events": eventsDispatcher,
		}, logger)
	if err := opsServer.Start(); err != nil {
		logger.Fatal("failed to start ops server", zap.Error(err))
	}

	logger.Info("worker started")
	waitForSignal(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}

	<-schedules.Stop().Done()
	cancel()

	done := make(chan struct{})
	go func() {
		for _, consumer := range consumers {
			consumer.Stop()
		}
		ipInfoDispatcher.Stop()
		eventsDispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}
}

func runWeb() {
	cfg, logger := loadConfig(os.Args[2:], config.ModeWeb)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rich-traceroute web",
		zap.String("listen", cfg.Web.Listen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Connect(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	traceroutes, err := traceroute.NewStore(database, logger, cfg.DB.CompressRaw)
	if err != nil {
		logger.Fatal("failed to create traceroute store", zap.Error(err))
	}

	brokerURL := cfg.BrokerURL()

	jobsDispatcher, err := dispatch.NewEnrichmentJobs(brokerURL, logger)
	if err != nil {
		logger.Fatal("failed to create jobs dispatcher", zap.Error(err))
	}
	jobsDispatcher.Start()

	hub := events.NewHub(logger)
	subscriber, err := events.NewSubscriber(brokerURL, hub, logger)
	if err != nil {
		logger.Fatal("failed to create events subscriber", zap.Error(err))
	}
	go subscriber.Run()

	server, err := web.NewServer(cfg.Web, database, traceroutes, jobsDispatcher, hub, logger)
	if err != nil {
		logger.Fatal("failed to create web server", zap.Error(err))
	}
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start web server", zap.Error(err))
	}

	logger.Info("web started")
	waitForSignal(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("web server shutdown error", zap.Error(err))
	}
	cancel()

	done := make(chan struct{})
	go func() {
		subscriber.Stop()
		jobsDispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("web stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}
}
