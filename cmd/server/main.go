package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fsk-gliding/ogn-tracker/internal/adsb"
	"github.com/fsk-gliding/ogn-tracker/internal/airfield"
	"github.com/fsk-gliding/ogn-tracker/internal/api"
	"github.com/fsk-gliding/ogn-tracker/internal/clubs"
	"github.com/fsk-gliding/ogn-tracker/internal/config"
	"github.com/fsk-gliding/ogn-tracker/internal/ddb"
	"github.com/fsk-gliding/ogn-tracker/internal/flight"
	"github.com/fsk-gliding/ogn-tracker/internal/natspub"
	"github.com/fsk-gliding/ogn-tracker/internal/ogn"
	"github.com/fsk-gliding/ogn-tracker/internal/outbound"
	"github.com/fsk-gliding/ogn-tracker/internal/physics"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/internal/storage/postgres"
	"github.com/fsk-gliding/ogn-tracker/internal/storage/sqlite"
	"github.com/fsk-gliding/ogn-tracker/internal/tracker"
	"github.com/fsk-gliding/ogn-tracker/internal/webhook"
	"github.com/fsk-gliding/ogn-tracker/internal/websocket"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting OGN tracker",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.String("region", cfg.Region.Name),
		logger.Float64("radius_km", cfg.Region.RadiusKm),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Tracker stopped with error", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("Shutting down server...", logger.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	store, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer store.Close()

	writer := storage.NewWriter(store, cfg.Storage.WriterQueueLen, log)

	// Reference data
	registry := ddb.NewRegistry(cfg.Reference.DDBURL, time.Duration(cfg.Reference.DDBTimeoutSecs)*time.Second, store, log)
	if err := registry.LoadCached(ctx); err != nil {
		log.Warn("No cached device database, lookups stay empty until the first download", logger.Error(err))
	}

	gazetteer, err := airfield.Load(cfg.Reference.AirfieldsFile)
	if err != nil {
		log.Warn("Failed to load airfields, events will not be geotagged",
			logger.Error(err),
			logger.String("path", cfg.Reference.AirfieldsFile))
		gazetteer = airfield.New(nil)
	} else {
		log.Info("Loaded airfields", logger.Int("count", gazetteer.Len()))
	}

	directory := clubs.NewDirectory(store,
		time.Duration(cfg.Reference.HomefieldRefreshS)*time.Second,
		time.Duration(cfg.Reference.ClubPlanesRefreshS)*time.Second,
		log)
	directory.Refresh(ctx, time.Now(), true)

	// Event sinks
	hook := webhook.NewClient(webhook.Config{
		Enabled: cfg.Webhook.Enabled,
		URL:     cfg.Webhook.URL,
		APIKey:  cfg.Webhook.APIKey,
		Origin:  cfg.Webhook.Origin,
		Timeout: time.Duration(cfg.Webhook.TimeoutSecs) * time.Second,
	}, log)

	publisher, err := natspub.Connect(natspub.Config{
		Enabled:       cfg.NATS.Enabled,
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	}, log)
	if err != nil {
		log.Error("NATS unavailable, flight events will not be published", logger.Error(err))
		publisher, _ = natspub.Connect(natspub.Config{SubjectPrefix: cfg.NATS.SubjectPrefix}, log)
	}
	defer publisher.Close()

	reporter := flight.NewReporter(gazetteer, directory, writer, hook, publisher, log)

	// Live state and fan-out
	queues := outbound.NewQueues()
	hub := websocket.NewServer(websocket.Options{
		Heartbeat:      time.Duration(cfg.Server.HeartbeatSecs) * time.Second,
		Tick:           time.Duration(cfg.Server.BroadcastTickMs) * time.Millisecond,
		TrackLimit:     cfg.Tracking.TrackLimit,
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, log)

	deps := tracker.Deps{
		Devices:  registry,
		Clubs:    directory,
		Writer:   writer,
		Reporter: reporter,
		Queues:   queues,
	}
	if cfg.Tracking.MagneticTrackEnabled {
		deps.Declinator = physics.NewDeclinator(1, 4096, 24*time.Hour)
	}
	core, err := tracker.New(tracker.Config{
		RegionName:            cfg.Region.Name,
		CenterLat:             cfg.Region.Latitude,
		CenterLon:             cfg.Region.Longitude,
		RadiusKm:              cfg.Region.RadiusKm,
		RemovalTimeout:        time.Duration(cfg.Tracking.RemovalTimeoutSecs) * time.Second,
		ReaperInterval:        time.Duration(cfg.Tracking.ReaperIntervalSecs) * time.Second,
		FlightIdle:            time.Duration(cfg.Tracking.FlightStateIdleSecs) * time.Second,
		FlightCleanupInterval: time.Duration(cfg.Tracking.FlightCleanupSecs) * time.Second,
		StorageMinSpeedKmh:    cfg.Tracking.StorageMinSpeedKmh,
		MagneticTrack:         cfg.Tracking.MagneticTrackEnabled,
	}, deps, log)
	if err != nil {
		return err
	}

	var poller *adsb.Poller
	var adsbTable api.ADSBTable
	if cfg.ADSB.Enabled {
		poller = adsb.NewPoller(adsb.PollerConfig{
			CenterLat:        cfg.Region.Latitude,
			CenterLon:        cfg.Region.Longitude,
			RadiusKm:         cfg.Region.RadiusKm,
			Interval:         time.Duration(cfg.ADSB.IntervalSecs) * time.Second,
			MaxAltitudeFt:    cfg.ADSB.MaxAltitudeFt,
			IgnoredCallsigns: cfg.ADSB.IgnoredCallsigns,
			SweepInterval:    time.Duration(cfg.ADSB.StaleSweepSecs) * time.Second,
			RemovalTimeout:   time.Duration(cfg.ADSB.RemovalTimeout) * time.Second,
		}, adsb.NewClient(cfg.ADSB.BaseURL, time.Duration(cfg.ADSB.TimeoutSecs)*time.Second, log), hub, queues, log)
		hub.SetSources(core, poller, store)
		adsbTable = poller
	} else {
		log.Info("ADS-B source disabled")
		hub.SetSources(core, nil, store)
	}

	feed, err := ogn.NewClient(ogn.ClientConfig{
		Addr:           cfg.OGN.Server,
		User:           cfg.OGN.User,
		AppName:        cfg.OGN.AppName,
		AppVersion:     cfg.OGN.AppVersion,
		Filter:         ogn.RangeFilter(cfg.Region.Latitude, cfg.Region.Longitude, cfg.Region.RadiusKm),
		ReconnectDelay: time.Duration(cfg.OGN.ReconnectDelaySecs) * time.Second,
		Keepalive:      time.Duration(cfg.OGN.KeepaliveSecs) * time.Second,
		DialTimeout:    time.Duration(cfg.OGN.DialTimeoutSecs) * time.Second,
	}, log)
	if err != nil {
		return err
	}

	// HTTP surface
	handler := api.NewHandler(core, adsbTable, store, hub, cfg.Tracking.TrackLimit, log)
	handler.AddHealthCheck("ogn_feed", func() interface{} { return feed.Snapshot() })
	handler.AddHealthCheck("writer", func() interface{} { return writer.Stats() })
	handler.AddHealthCheck("devices", func() interface{} { return registry.Len() })
	handler.AddHealthCheck("clubs", func() interface{} {
		homefields, planes := directory.Counts()
		return map[string]int{"homefields": homefields, "planes": planes}
	})

	server := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
			StaticDir:      cfg.Server.StaticDir,
		}, log),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { writer.Run(gctx); return nil })
	g.Go(func() error { registry.Run(gctx, time.Duration(cfg.Reference.DDBRefreshHours)*time.Hour); return nil })
	g.Go(func() error { directory.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { hub.Pump(gctx, queues); return nil })
	g.Go(func() error { core.RunMaintenance(gctx); return nil })
	if poller != nil {
		g.Go(func() error { poller.Run(gctx); return nil })
	}
	g.Go(func() error {
		log.Info("Connecting to APRS-IS", logger.String("server", cfg.OGN.Server), logger.String("login", feed.LoginLine()))
		return core.Run(gctx, feed)
	})
	g.Go(func() error {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", logger.String("addr", server.Addr), logger.Error(err))
		} else {
			log.Info("HTTP server shutdown complete", logger.String("addr", server.Addr))
		}
		return nil
	})

	return g.Wait()
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		store, err := postgres.Open(connectCtx, cfg.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, nil

	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := sqlite.New(cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return store, nil
	}
}
