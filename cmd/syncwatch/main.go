package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openhex/openhex/pkg/events"
	"github.com/openhex/openhex/pkg/log"
	"github.com/openhex/openhex/pkg/multiplayer"
	"github.com/openhex/openhex/pkg/saves"
	"github.com/openhex/openhex/pkg/version"
)

func main() {
	savesDir := flag.String("saves-dir", defaultSavesDir(), "Directory for local multiplayer saves")
	savesDB := flag.String("saves-db", "", "SQLite database for local multiplayer saves (overrides -saves-dir)")
	discover := flag.Bool("discover", false, "Track every game found on the backend")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting syncwatch version %s", version.Get())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := multiplayer.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var store saves.Store
	if *savesDB != "" {
		store, err = saves.NewSQLiteStore(ctx, *savesDB)
	} else {
		store, err = saves.NewFileStore(*savesDir)
	}
	if err != nil {
		panic(fmt.Sprintf("Failed to open save store: %v", err))
	}
	defer store.Close(ctx)

	bus := events.NewInMemoryBus()
	defer bus.Close()
	bus.Subscribe(func(event events.Event) {
		switch e := event.(type) {
		case events.Updated:
			log.Info("Game %s updated: turn %d, waiting for %s", e.GameName, e.Summary.Turns, e.Summary.CurrentPlayer)
		case events.Unchanged:
			log.Debug("Game %s unchanged", e.GameName)
		case events.UpdateFailed:
			log.Warn("Game %s update failed: %v", e.GameName, e.Err)
		case events.Added:
			log.Info("Now tracking game %s", e.GameName)
		case events.Deleted:
			log.Info("Stopped tracking game %s", e.GameName)
		case events.Renamed:
			log.Info("Game %s renamed to %s", e.OldName, e.NewName)
		}
	})

	mp, err := multiplayer.NewMultiplayer(ctx, multiplayer.NewMultiplayerOptions{
		Config: cfg,
		Bus:    bus,
		Store:  store,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to start multiplayer: %v", err))
	}
	defer mp.Close()

	for _, gameID := range flag.Args() {
		if _, err := mp.AddGame(ctx, gameID, ""); err != nil {
			log.Error("Failed to add game %s: %v", gameID, err)
		}
	}

	if *discover {
		ids, err := mp.ListRemoteGameIDs(ctx)
		if err != nil {
			log.Error("Failed to list remote games: %v", err)
		}
		for _, gameID := range ids {
			if mp.GameByID(gameID) != nil {
				continue
			}
			if _, err := mp.AddGame(ctx, gameID, ""); err != nil {
				log.Error("Failed to add game %s: %v", gameID, err)
			}
		}
	}

	go mp.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
}

func defaultSavesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "saves"
	}
	return filepath.Join(home, ".openhex", "multiplayer")
}
