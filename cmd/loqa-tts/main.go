package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envFile     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa-tts.yaml", "Path to configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Path to dotenv file loaded before the environment is read")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(envFile); err != nil {
		if explicit["env-file"] || !errors.Is(err, fs.ErrNotExist) {
			bootLogger.Error("failed to load env file", slog.String("path", envFile), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath, !explicit["config"])
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Telemetry)
	if err != nil {
		bootLogger.Error("failed to set up logging", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		_ = closer.Close()
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
