package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/KevinKickass/OpenLabRig/internal/fwxc"
	"github.com/KevinKickass/OpenLabRig/internal/storage"
	"github.com/KevinKickass/OpenLabRig/internal/system"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		simulate   bool
		debug      bool
	)
	flags := pflag.NewFlagSet("openlabrig", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the server configuration")
	flags.BoolVar(&simulate, "simulate", false, "run against simulated wheels, shutter and ammeter")
	flags.BoolVar(&debug, "debug", false, "development logging")
	flags.Parse(os.Args[1:])

	logger, err := newLogger(debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	logger.Info("Config loaded successfully", zap.String("path", configPath))

	doc, err := loadRig(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to load rig document", zap.Error(err))
	}

	var (
		driver wheel.Driver
		opts   []system.Option
	)
	if simulate || cfg.Rig.Driver == config.RigDriverSim {
		sim, err := system.NewSimulation(cfg, doc, logger)
		if err != nil {
			logger.Fatal("Failed to start simulation", zap.Error(err))
		}
		defer sim.Close()
		driver = sim.Driver
		opts = sim.Options()
		logger.Warn("Running in simulation mode")
	} else {
		driver = fwxc.NewDriver(logger)
	}

	lifecycle := system.NewLifecycleManager(cfg, doc, driver, logger, opts...)
	if err := lifecycle.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenLabRig started successfully",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-lifecycle.Done():
		logger.Info("Shutdown requested over the API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenLabRig stopped successfully")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadRig(cfg *config.Config, logger *zap.Logger) (*types.RigDocument, error) {
	switch cfg.Rig.Source {
	case config.RigSourcePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Rig.ConnectTimeout)
		defer cancel()

		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		logger.Info("Loading rig document from database", zap.String("host", cfg.Database.Host))
		return db.LoadRigDocument(ctx)
	case config.RigSourceFile, "":
		logger.Info("Loading rig document", zap.String("file", cfg.Rig.File))
		return config.LoadRig(cfg.Rig.File)
	default:
		return nil, fmt.Errorf("unknown rig source %q", cfg.Rig.Source)
	}
}
