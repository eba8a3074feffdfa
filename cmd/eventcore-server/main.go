// Package main implements the eventcore server binary: it opens a Store at
// the configured data directory, runs recovery if needed, and blocks until
// a termination signal triggers an ordered shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arkiliandb/eventcore/internal/app"
	"github.com/arkiliandb/eventcore/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Root directory for the event log and projection tables")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "eventcore-server - embedded event store and projection pipeline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: eventcore-server [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  EVENTCORE_DATA_DIR              Root data directory\n")
		fmt.Fprintf(os.Stderr, "  EVENTCORE_ADMISSION_TARGET_P99_MS  Admission controller latency target\n")
		fmt.Fprintf(os.Stderr, "  EVENTCORE_ARCHIVE_ENABLED       Enable the cold-storage archiver\n")
		fmt.Fprintf(os.Stderr, "  EVENTCORE_ARCHIVE_STORAGE_TYPE  Archive backend: local or s3\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("eventcore-server version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to create application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("failed to start application: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
		os.Exit(1)
	}
	log.Printf("eventcore-server stopped cleanly")
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("eventcore-server starting")
	log.Printf("  data dir:        %s", cfg.DataDir)
	log.Printf("  admission target: p99 <= %dms (hard cap %d)", cfg.Admission.TargetP99Ms, cfg.Admission.HardCap)
	if cfg.Archive.Enabled {
		log.Printf("  archive:         enabled (%s)", cfg.Archive.Storage.Type)
	} else {
		log.Printf("  archive:         disabled")
	}
}
