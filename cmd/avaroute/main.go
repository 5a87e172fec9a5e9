// Package main is the entry point for the avaroute router.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avaroute/internal/config"
	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avaroute",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("strategy", cfg.Routing.Strategy),
		observability.Bool("cluster", cfg.Cluster.Enabled),
		observability.Int("static_backends", len(cfg.Backends)),
	)

	app, err := newApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", observability.Error(err))
	}

	if err := run(app, flags.configPath); err != nil {
		logger.Fatal("router failed", observability.Error(err))
	}
}

// parseFlags parses command line flags. Environment variables provide the
// defaults so containers can configure the router without arguments.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var f cliFlags
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("AVAROUTE_CONFIG_PATH", ""),
		"Path to configuration file (defaults are used when empty)")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("AVAROUTE_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the config file")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("AVAROUTE_LOG_FORMAT", ""),
		"Log format (json, console); overrides the config file")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return f
}

func printVersion() {
	fmt.Printf("avaroute version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(cfg config.LoggingConfig) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	return logger
}

// loadConfig reads the config file, or defaults when no path is given, and
// applies flag overrides on top.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		path, err := config.ResolveConfigPath(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
