package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"social-duel/server/internal/config"
	"social-duel/server/internal/engine"
	"social-duel/server/internal/generators"
	"social-duel/server/internal/scenario"
	"social-duel/server/internal/storage"
	"social-duel/server/internal/web"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Snapshot slot: Redis when reachable, memory otherwise
	var slot storage.SnapshotSlot = storage.NewMemoryStore(cfg.Game.SnapshotTTL)
	var snapshots web.Pinger
	if cfg.Database.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Database.Redis, cfg.Game.SnapshotTTL)
		if err != nil {
			logger.Warn("failed to connect to Redis, snapshots stay in memory", "error", err)
		} else {
			defer redisStore.Close()
			slot = redisStore
			snapshots = redisStore
			logger.Info("Redis connected")
		}
	}

	// Result archive
	var mysqlStore *storage.MySQLStore
	if cfg.Database.MySQL.Enabled {
		mysqlStore, err = storage.NewMySQLStore(cfg.Database.MySQL)
		if err != nil {
			logger.Warn("failed to connect to MySQL, results will not be archived", "error", err)
			mysqlStore = nil
		} else {
			defer mysqlStore.Close()
			logger.Info("MySQL connected")
		}
	}

	brain, brainCloser, err := engine.NewBrainFromConfig(ctx, cfg.AI)
	if err != nil {
		logger.Error("failed to create opponent", "error", err)
		os.Exit(1)
	}
	defer brainCloser.Close()

	catalog := scenario.Default()
	if cfg.Game.CatalogPath != "" {
		catalog, err = scenario.Load(cfg.Game.CatalogPath)
		if err != nil {
			logger.Error("failed to load catalog", "path", cfg.Game.CatalogPath, "error", err)
			os.Exit(1)
		}
	}

	audioCache := generators.NewAudioCache(cfg.Voice.CacheDir, cfg.Voice.MaxEntries, cfg.Voice.CacheTTL)
	if err := audioCache.Initialize(ctx); err != nil {
		logger.Error("failed to initialize audio cache", "error", err)
		os.Exit(1)
	}

	deps := engine.Deps{
		Catalog: catalog,
		Brain:   brain,
		Audio:   audioCache,
		Slot:    slot,
		Logger:  logger,
	}
	if cfg.AI.OpenAI.APIKey != "" {
		deps.Transcriber = engine.NewWhisperTranscriber(cfg.AI.OpenAI)
	} else {
		logger.Warn("no OpenAI key, voice messages will not be transcribed")
	}
	if cfg.Voice.ElevenLabs.APIKey != "" {
		tts := generators.NewElevenLabsClient(cfg.Voice.ElevenLabs, audioCache)
		if err := tts.HealthCheck(ctx); err != nil {
			logger.Warn("ElevenLabs health check failed, re-voicing will fall back to the original clip", "error", err)
		}
		deps.Voice = tts
	}

	var history web.HistoryLister
	if mysqlStore != nil {
		deps.Recorder = mysqlStore
		history = mysqlStore
	}

	sessions := engine.NewSessionManager(deps, engine.Options{
		MaxMessagesPerRound: cfg.Game.MaxMessagesPerRound,
		HistoryWindow:       cfg.Game.HistoryWindow,
		ResolutionDelay:     cfg.Game.ResolutionDelay,
		FinalDelay:          cfg.Game.FinalDelay,
		NeutralPerformance:  cfg.Game.NeutralPerformance,
		Revoice:             cfg.Voice.Revoice,
	})

	hub := web.NewSessionHub(logger)
	go hub.Run(ctx)

	// Expired clips and idle sessions are swept hourly
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := audioCache.CleanExpired(ctx); n > 0 {
					logger.Info("cleaned expired audio", "entries", n)
				}
				hub.Sweep(sessions, time.Now(), cfg.Game.SessionIdle)
			}
		}
	}()

	r := web.NewRouter(web.RouterDeps{
		Sessions:  sessions,
		Hub:       hub,
		Audio:     audioCache,
		History:   history,
		Snapshots: snapshots,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", "addr", server.Addr, "provider", cfg.AI.Provider)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
