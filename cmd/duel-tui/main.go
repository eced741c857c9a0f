package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"social-duel/server/internal/config"
	"social-duel/server/internal/engine"
	"social-duel/server/internal/models"
	"social-duel/server/internal/scenario"
	"social-duel/server/internal/storage"
	"social-duel/server/internal/tui"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file")
	sessionID := flag.String("session", "local", "session id to play or resume")
	name := flag.String("name", "You", "your character name")
	background := flag.String("background", scenario.DefaultBackground, "your background")
	opponent := flag.String("opponent", "The Stranger", "opponent name")
	opponentBackground := flag.String("opponent-background", scenario.DefaultBackground, "opponent background")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// the terminal owns stdout; logs go to a file or nowhere
	if cfg.Logging.Output == "stderr" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "duel-tui.log"
	}
	logger, logCloser, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	brain, closer, err := engine.NewBrainFromConfig(ctx, cfg.AI)
	if err != nil {
		fmt.Printf("Error creating opponent: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	catalog := scenario.Default()
	if cfg.Game.CatalogPath != "" {
		if catalog, err = scenario.Load(cfg.Game.CatalogPath); err != nil {
			fmt.Printf("Error loading catalog: %v\n", err)
			os.Exit(1)
		}
	}

	var slot storage.SnapshotSlot = storage.NewMemoryStore(cfg.Game.SnapshotTTL)
	if cfg.Database.Redis.Enabled {
		if redisStore, err := storage.NewRedisStore(cfg.Database.Redis, cfg.Game.SnapshotTTL); err == nil {
			defer redisStore.Close()
			slot = redisStore
		} else {
			logger.Warn("failed to connect to Redis, progress is kept in memory", "error", err)
		}
	}

	session := engine.NewOrchestrator(*sessionID, models.Setup{
		Player:   models.Persona{Name: *name, Background: *background},
		Opponent: models.Persona{Name: *opponent, Background: *opponentBackground},
	}, engine.Deps{
		Catalog: catalog,
		Brain:   brain,
		Slot:    slot,
		Logger:  logger,
	}, engine.Options{
		MaxMessagesPerRound: cfg.Game.MaxMessagesPerRound,
		HistoryWindow:       cfg.Game.HistoryWindow,
		ResolutionDelay:     cfg.Game.ResolutionDelay,
		FinalDelay:          cfg.Game.FinalDelay,
		NeutralPerformance:  cfg.Game.NeutralPerformance,
	})

	restore, err := session.Start(ctx)
	if err != nil {
		fmt.Printf("Error starting session: %v\n", err)
		os.Exit(1)
	}

	if err := tui.Run(session, catalog, restore); err != nil {
		fmt.Printf("Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
