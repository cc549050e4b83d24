package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mlipin/skytrack/internal/api"
	"github.com/mlipin/skytrack/internal/config"
	"github.com/mlipin/skytrack/internal/cpr"
	"github.com/mlipin/skytrack/internal/decode"
	"github.com/mlipin/skytrack/internal/source"
	"github.com/mlipin/skytrack/internal/storage/sqlite"
	"github.com/mlipin/skytrack/internal/track"
	"github.com/mlipin/skytrack/internal/websocket"
	"github.com/mlipin/skytrack/pkg/logger"
	"github.com/mlipin/skytrack/pkg/modes"
)

var (
	// Version is injected at build time
	Version = "dev"
)

// sourceEventFanout journals source transitions and mirrors them to
// WebSocket clients.
type sourceEventFanout struct {
	journal *sqlite.EventStorage
	ws      *websocket.Server
}

func (f *sourceEventFanout) RecordSourceEvent(name, event string, ts time.Time) {
	f.journal.RecordSourceEvent(name, event, ts)
	f.ws.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeSourceEvent,
		Data: map[string]any{"source": name, "event": event, "timestamp": ts},
	})
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting skytrack server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.Int("sources", len(cfg.Sources)),
	)

	// Event journal
	if dir := filepath.Dir(cfg.Storage.SQLitePath); cfg.Storage.SQLitePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Error("Failed to create database directory", logger.Error(err), logger.String("path", dir))
			os.Exit(1)
		}
	}
	eventStorage, err := sqlite.NewEventStorage(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to create event journal", logger.Error(err))
		os.Exit(1)
	}
	defer eventStorage.Close()

	// WebSocket hub
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Source aggregation
	aggregator := source.NewAggregator(source.AggregatorConfig{
		MaxSources:     cfg.Ingest.MaxSources,
		DedupWindow:    cfg.Ingest.DedupWindow(),
		QueueSize:      cfg.Ingest.QueueSize,
		PollInterval:   cfg.Ingest.PollInterval(),
		HealthInterval: time.Duration(cfg.Ingest.HealthIntervalSecs) * time.Second,
	}, &sourceEventFanout{journal: eventStorage, ws: wsServer}, log)

	for _, src := range cfg.Sources {
		conn, err := source.NewConnection(source.ConnectionConfig{
			Name:           src.Name,
			Address:        src.Address,
			Format:         src.Format,
			ConnectTimeout: time.Duration(cfg.Ingest.ConnectTimeoutSecs) * time.Second,
			BackoffInitial: time.Duration(cfg.Ingest.BackoffInitialSecs) * time.Second,
			BackoffMax:     time.Duration(cfg.Ingest.BackoffMaxSecs) * time.Second,
			MaxAttempts:    cfg.Ingest.MaxReconnectTries,
			MinRetry:       time.Duration(cfg.Ingest.MinRetrySpacingSecs) * time.Second,
		}, log)
		if err != nil {
			log.Error("Failed to create source connection",
				logger.String("name", src.Name), logger.Error(err))
			os.Exit(1)
		}
		if err := aggregator.AddSource(conn); err != nil {
			log.Error("Failed to register source",
				logger.String("name", src.Name), logger.Error(err))
			os.Exit(1)
		}
	}

	// Decode and position resolution share one bit decoder
	bits := modes.NewDecoder()
	classifier := decode.NewClassifier(bits, log)
	resolver := cpr.NewResolver(cpr.Config{
		GlobalAirborneWindow: time.Duration(cfg.CPR.GlobalAirborneSecs) * time.Second,
		GlobalSurfaceWindow:  time.Duration(cfg.CPR.GlobalSurfaceSecs) * time.Second,
		LocalWindow:          time.Duration(cfg.CPR.LocalSecs) * time.Second,
		HasReference:         cfg.HasReference(),
		RefLat:               cfg.Station.Latitude,
		RefLon:               cfg.Station.Longitude,
	}, bits, log)

	// Aircraft state
	store := track.NewStore(track.StoreConfig{
		MaxAircraft:    cfg.Tracking.MaxAircraft,
		EvictTarget:    cfg.Tracking.EvictTargetFraction,
		ExpirySurface:  time.Duration(cfg.Tracking.ExpirySurfaceSecs) * time.Second,
		ExpiryAirborne: time.Duration(cfg.Tracking.ExpiryAirborneSecs) * time.Second,
		ExpiryDefault:  time.Duration(cfg.Tracking.ExpiryDefaultSecs) * time.Second,
	}, log)

	trackService := track.NewService(
		aggregator,
		classifier,
		resolver,
		store,
		eventStorage,
		nil, // watchlist matcher is an external collaborator
		nil, // alert sink likewise
		wsServer,
		track.ServiceConfig{
			CleanupInterval: time.Duration(cfg.Tracking.CleanupIntervalSecs) * time.Second,
			StatsInterval:   time.Duration(cfg.Tracking.StatsIntervalSecs) * time.Second,
		},
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := aggregator.Start(ctx); err != nil {
		log.Error("Failed to start aggregator", logger.Error(err))
		os.Exit(1)
	}
	if err := trackService.Start(ctx); err != nil {
		log.Error("Failed to start track service", logger.Error(err))
		os.Exit(1)
	}

	// Create API router
	router := api.NewRouter(trackService, aggregator, eventStorage, cfg, log, wsServer)

	// --- Setup for multiple HTTP servers ---
	var servers []*http.Server
	allPorts := []int{cfg.Server.Port}
	if len(cfg.Server.AdditionalPorts) > 0 {
		allPorts = append(allPorts, cfg.Server.AdditionalPorts...)
	}

	log.Info("Configured listener ports", logger.Any("ports", allPorts))

	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		server := &http.Server{
			Addr:         addr,
			Handler:      router.Routes(),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, server)

		go func(s *http.Server) {
			log.Info("Starting HTTP server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server error on startup", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(server)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	log.Info("Stopping track service...")
	trackService.Stop()
	log.Info("Track service stopped.")

	log.Info("Stopping aggregator...")
	aggregator.Stop()
	log.Info("Aggregator stopped.")

	cancel()

	log.Info("Shutting down HTTP servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			} else {
				log.Info("HTTP server shutdown complete", logger.String("addr", srv.Addr))
			}
		}(s)
	}
	wg.Wait()

	log.Info("Server fully stopped")
}
