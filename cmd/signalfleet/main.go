package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/auth"
	"github.com/signalfleet/signalfleet/internal/config"
	"github.com/signalfleet/signalfleet/internal/dispatch"
	"github.com/signalfleet/signalfleet/internal/event"
	"github.com/signalfleet/signalfleet/internal/fleet"
	"github.com/signalfleet/signalfleet/internal/liveness"
	"github.com/signalfleet/signalfleet/internal/registry"
	"github.com/signalfleet/signalfleet/internal/server"
	"github.com/signalfleet/signalfleet/internal/store"
	"github.com/signalfleet/signalfleet/internal/telemetry"
	"github.com/signalfleet/signalfleet/internal/version"
	"github.com/signalfleet/signalfleet/internal/ws"
	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration before the logger so log level/format apply.
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("SignalFleet server starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the database.
	dsn := viperCfg.GetString("database.dsn")
	if dsn == "" {
		dsn = "signalfleet.db"
	}
	db, err := store.New(dsn)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		logger.Fatal("schema version check failed", zap.Error(err))
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("dsn", dsn))

	// Shared services.
	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"))

	// Create modules and wire cross-module adapters before Init.
	fleetMod := fleet.New()
	telemetryMod := telemetry.New()
	livenessMod := liveness.New()
	dispatchMod := dispatch.New()

	// Auth service.
	authStore, err := auth.NewUserStore(ctx, db)
	if err != nil {
		logger.Fatal("failed to initialize auth store", zap.Error(err))
	}

	jwtSecret := viperCfg.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		// Ephemeral secret: sessions will not survive a restart.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			logger.Fatal("failed to generate JWT secret", zap.Error(err))
		}
		jwtSecret = hex.EncodeToString(b)
		logger.Info("using auto-generated JWT secret (set auth.jwt_secret in config to persist sessions)",
			zap.String("component", "auth"))
	}
	accessTTL := viperCfg.GetDuration("auth.access_token_ttl")
	if accessTTL == 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := viperCfg.GetDuration("auth.refresh_token_ttl")
	if refreshTTL == 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	tokens := auth.NewTokenService([]byte(jwtSecret), accessTTL, refreshTTL)
	authService := auth.NewService(authStore, tokens, logger.Named("auth"))
	authHandler := auth.NewHandler(authService, logger.Named("auth"))

	// WebSocket hub: device command channels and operator event streams.
	wsHandler := ws.NewHandler(tokens, bus, logger.Named("ws"))

	telemetryMod.SetStatusWriter(&statusWriterAdapter{fleet: fleetMod})
	fleetMod.SetHealthSource(telemetryMod)
	livenessMod.SetDeviceSource(fleetMod)
	livenessMod.SetStatusWriter(fleetMod)
	dispatchMod.SetTargetSource(fleetMod)
	dispatchMod.SetCommandSink(fleetMod)
	dispatchMod.SetChannelSender(wsHandler)

	modules := []plugin.Plugin{fleetMod, telemetryMod, livenessMod, dispatchMod}
	for _, m := range modules {
		if err := reg.Register(m); err != nil {
			logger.Fatal("failed to register module", zap.Error(err))
		}
	}
	if err := reg.Validate(); err != nil {
		logger.Fatal("module validation failed", zap.Error(err))
	}

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("modules." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		logger.Fatal("failed to initialize modules", zap.Error(err))
	}

	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start modules", zap.Error(err))
	}

	// HTTP server.
	srvCfg := server.Config{
		Host: viperCfg.GetString("server.host"),
		Port: viperCfg.GetInt("server.port"),
	}
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})
	srv := server.New(srvCfg.Addr(), reg, logger, readyCheck, authHandler, wsHandler)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("SignalFleet server ready", zap.String("addr", srvCfg.Addr()))

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	reg.StopAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("SignalFleet server stopped")
}

// statusWriterAdapter adapts fleet.Module to telemetry.StatusWriter,
// mapping the registry's not-found error onto the telemetry sentinel.
type statusWriterAdapter struct {
	fleet *fleet.Module
}

func (a *statusWriterAdapter) ApplyStatus(ctx context.Context, deviceID string, status models.DeviceStatus, observedAt time.Time, source string) (bool, error) {
	applied, err := a.fleet.ApplyStatus(ctx, deviceID, status, observedAt, source)
	if err != nil {
		return false, mapNotFound(err, deviceID)
	}
	return applied, nil
}

func (a *statusWriterAdapter) Touch(ctx context.Context, deviceID string, observedAt time.Time) error {
	if err := a.fleet.Touch(ctx, deviceID, observedAt); err != nil {
		return mapNotFound(err, deviceID)
	}
	return nil
}

func mapNotFound(err error, deviceID string) error {
	if errors.Is(err, fleet.ErrDeviceNotFound) {
		return fmt.Errorf("%w: %s", telemetry.ErrUnknownDevice, deviceID)
	}
	return err
}
