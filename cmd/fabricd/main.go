package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/calyptra/agentfabric/common/version"
	"github.com/calyptra/agentfabric/internal/app"
	"github.com/calyptra/agentfabric/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	initLogging(*logLevel)

	slog.Info("agent fabric starting",
		"version", version.Short(), "commit", version.GitCommit, "built", version.BuildTime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fabric, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize fabric: %v\n", err)
		os.Exit(1)
	}
	defer fabric.Stop()

	if err := fabric.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running fabric: %v\n", err)
		os.Exit(1)
	}
}

// initLogging installs a text slog handler at the requested level.
func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
