package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/config"
	"github.com/marmos91/dropboxd/pkg/health"
	"github.com/marmos91/dropboxd/pkg/server"
)

const usage = `dropboxd - openBIS data set registration daemon

Usage:
  dropboxd <command> [flags]

Commands:
  init     Initialize a sample configuration file
  start    Start the daemon

Flags:
  --config string   Path to config file (default: $XDG_CONFIG_HOME/dropboxd/config.yaml)
  --force           Force overwrite existing config file (init command only)

Examples:
  # Initialize config file
  dropboxd init

  # Start daemon with default config location
  dropboxd start

  # Start daemon with custom config
  dropboxd start --config /etc/dropboxd/config.yaml

  # Use environment variables to override config
  DROPBOXD_LOGGING_LEVEL=DEBUG dropboxd start
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configFile := flags.String("config", "", "Path to config file")
	force := flags.Bool("force", false, "Force overwrite existing config file")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	switch command {
	case "init":
		_ = flags.Parse(os.Args[2:])
		runInit(*configFile, *force)
	case "start":
		_ = flags.Parse(os.Args[2:])
		if err := runStart(*configFile); err != nil {
			log.Fatalf("dropboxd: %v", err)
		}
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", command, usage)
		os.Exit(2)
	}
}

func runInit(configFile string, force bool) {
	var path string
	var err error

	if configFile != "" {
		path = configFile
		err = config.InitConfigToPath(path, force)
	} else {
		path, err = config.InitConfig(force)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("Edit the dropboxes section, then run: dropboxd start")
}

func runStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return err
	}

	fmt.Println("dropboxd - openBIS data set registration daemon")
	logger.Info("Log level: %s, store root: %s", cfg.Logging.Level, cfg.Store.Root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rollback log
	rollbackLog, err := config.CreateRollbackLog(ctx, &cfg.RollbackLog)
	if err != nil {
		return err
	}
	defer func() {
		if err := rollbackLog.Close(); err != nil {
			logger.Error("Failed to close rollback log: %v", err)
		}
	}()

	// Application server and its readiness monitor
	appServer, err := config.CreateApplicationServer(&cfg.ApplicationServer)
	if err != nil {
		return err
	}
	monitor := config.CreateHealthMonitor(appServer, &cfg.ApplicationServer.Health)

	metricsResult := config.InitializeMetrics(cfg, func() bool {
		return monitor.Snapshot().Status != health.StatusUnhealthy
	})

	recoveryManager, err := config.CreateRecoveryManager(cfg)
	if err != nil {
		return err
	}

	reg, err := config.InitializeRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	dropboxes, err := config.CreateDropboxes(cfg, reg, &config.Runtime{
		AppServer:    appServer,
		ReadyChecker: monitor,
		RollbackLog:  rollbackLog,
		Recovery:     recoveryManager,
		Metrics:      metricsResult.Registration,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		RollbackLog:     rollbackLog,
		Monitor:         monitor,
		MetricsServer:   metricsResult.Server,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	for _, d := range dropboxes {
		if err := srv.AddDropbox(d); err != nil {
			return err
		}
		logger.Info("Dropbox %q watching %s", d.Name(), d.IncomingDir())
	}

	logger.Info("dropboxd is running. Press Ctrl+C to stop.")

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("dropboxd stopped")
	return nil
}
