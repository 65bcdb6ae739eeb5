// Package multiplayer keeps each client's view of shared, remotely
// stored games up to date: adaptive polling against backend rate
// limits, single-flight per-game updates, staleness detection between
// local and remote state, and ordered status events for the UI layer.
package multiplayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openhex/openhex/pkg/events"
	"github.com/openhex/openhex/pkg/gametypes"
	"github.com/openhex/openhex/pkg/log"
	"github.com/openhex/openhex/pkg/saves"
	"github.com/openhex/openhex/pkg/storage"
	"github.com/openhex/openhex/pkg/throttle"
)

// Multiplayer orchestrates all tracked multiplayer games of a session.
// The backend capability is detected once at construction; changing
// the server requires a new instance.
type Multiplayer struct {
	cfg        Config
	bus        events.Bus
	store      saves.Store
	server     *SyncServer
	capability storage.Capability
	features   *storage.FeatureSet
	feed       storage.UpdateFeed

	// games maps display name to its synchronization unit. Records
	// are replaced by reference, never mutated from multiple
	// goroutines.
	games sync.Map

	lastAllGamesRefresh throttle.Marker
	lastCurGameRefresh  throttle.Marker

	activeMu     sync.Mutex
	activeGameID string
}

type NewMultiplayerOptions struct {
	Config Config
	Bus    events.Bus
	Store  saves.Store

	// Storage and Capability bypass backend detection, used by tests.
	Storage    storage.FileStorage
	Capability storage.Capability
}

// NewMultiplayer detects the backend capability, builds the matching
// storage adapter and restores the tracked games from the local save
// store.
func NewMultiplayer(ctx context.Context, opts NewMultiplayerOptions) (*Multiplayer, error) {
	cfg := opts.Config.withDefaults()

	fileStorage := opts.Storage
	capability := opts.Capability
	var features *storage.FeatureSet
	if fileStorage == nil {
		var err error
		capability, features, err = storage.Detect(ctx, cfg.Server, false, cfg.ProbeTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to detect backend capability: %v", err)
		}
		switch capability {
		case storage.CapabilityLegacy:
			fileStorage = storage.NewDropboxStorage(storage.NewDropboxStorageOptions{})
		case storage.CapabilityBasicHTTP:
			fileStorage = storage.NewServerStorage(storage.NewServerStorageOptions{
				BaseURL:  cfg.Server,
				UserID:   cfg.UserID,
				Password: cfg.Password,
			})
		case storage.CapabilityExtendedHTTP:
			fileStorage = storage.NewRealtimeStorage(storage.NewRealtimeStorageOptions{
				NewServerStorageOptions: storage.NewServerStorageOptions{
					BaseURL:  cfg.Server,
					UserID:   cfg.UserID,
					Password: cfg.Password,
				},
			})
		default:
			return nil, fmt.Errorf("backend %s is unreachable", cfg.Server)
		}
		log.Info("Backend %s detected as %s", cfg.Server, capability)
	}

	m := &Multiplayer{
		cfg:        cfg,
		bus:        opts.Bus,
		store:      opts.Store,
		server:     NewSyncServer(fileStorage, capability),
		capability: capability,
		features:   features,
	}
	if feed, ok := fileStorage.(storage.UpdateFeed); ok {
		m.feed = feed
	}

	if err := m.restoreFromStore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Multiplayer) Capability() storage.Capability {
	return m.capability
}

// Features returns the capability descriptor reported by the backend,
// nil for backends without one.
func (m *Multiplayer) Features() *storage.FeatureSet {
	return m.features
}

// Authenticate verifies credentials against backends that support
// accounts. Backends without accounts accept any credentials.
func (m *Multiplayer) Authenticate(ctx context.Context, password string) error {
	auth, ok := m.server.Storage().(storage.Authenticator)
	if !ok {
		return nil
	}
	if m.features != nil && m.features.AuthVersion == 0 {
		return nil
	}
	return auth.Authenticate(ctx, m.cfg.UserID, password)
}

func (m *Multiplayer) restoreFromStore(ctx context.Context) error {
	names, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local saves: %v", err)
	}
	for _, name := range names {
		summary, err := m.store.LoadSummary(ctx, name)
		if err != nil {
			log.Warn("Skipping unreadable save %s: %v", name, err)
			continue
		}
		m.registerGame(name, summary.GameID, summary, false)
	}
	return nil
}

// Games returns a snapshot of all tracked games.
func (m *Multiplayer) Games() []*OnlineGame {
	var result []*OnlineGame
	m.games.Range(func(_, value interface{}) bool {
		result = append(result, value.(*OnlineGame))
		return true
	})
	return result
}

// GameByName returns the tracked game with the given display name, or
// nil.
func (m *Multiplayer) GameByName(name string) *OnlineGame {
	value, ok := m.games.Load(name)
	if !ok {
		return nil
	}
	return value.(*OnlineGame)
}

// GameByID returns the tracked game with the given game id, or nil.
func (m *Multiplayer) GameByID(gameID string) *OnlineGame {
	var result *OnlineGame
	m.games.Range(func(_, value interface{}) bool {
		game := value.(*OnlineGame)
		if game.GameID() == gameID {
			result = game
			return false
		}
		return true
	})
	return result
}

// SetActiveGame marks the game the player currently has open; the
// poll loop refreshes it on the short interval. An empty id clears it.
func (m *Multiplayer) SetActiveGame(gameID string) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	m.activeGameID = gameID
}

// ActiveGame returns the currently open game, or nil.
func (m *Multiplayer) ActiveGame() *OnlineGame {
	m.activeMu.Lock()
	gameID := m.activeGameID
	m.activeMu.Unlock()
	if gameID == "" {
		return nil
	}
	return m.GameByID(gameID)
}

// Start runs the background poll loop until the context is canceled.
// Per-tick failures become UpdateFailed events and never stop the
// loop. Callers run it on its own goroutine.
func (m *Multiplayer) Start(ctx context.Context) {
	if m.feed != nil {
		if rt, ok := m.feed.(*storage.RealtimeStorage); ok {
			if err := rt.Connect(ctx); err != nil {
				log.Error("Failed to connect update feed, falling back to polling: %v", err)
			}
		}
	}

	log.Debug("Starting poll loop for remote games")
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	var updates <-chan storage.UpdateNotice
	if m.feed != nil {
		updates = m.feed.Updates()
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("Poll loop stopped")
			return
		case notice, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.handleUpdateNotice(ctx, notice)
		case <-ticker.C:
			m.pollTick(ctx)
		}
	}
}

func (m *Multiplayer) handleUpdateNotice(ctx context.Context, notice storage.UpdateNotice) {
	game := m.GameByID(notice.GameID)
	if game == nil {
		log.Debug("Update notice for untracked game %s", notice.GameID)
		return
	}
	go game.RequestUpdate(ctx, true)
}

// pollTick evaluates the two loop-level throttles: a frequent refresh
// of the active game and a rarer refresh of everything, the active
// game excluded so it is not updated twice in one pass. The tick never
// blocks on a network round trip; updates are fired on worker
// goroutines.
func (m *Multiplayer) pollTick(ctx context.Context) {
	active := m.ActiveGame()

	if active != nil && m.shouldRefreshActive(active) {
		throttle.Throttle(&m.lastCurGameRefresh, m.cfg.CurrentGameInterval,
			func() struct{} { return struct{}{} },
			func(error) struct{} { return struct{}{} },
			func() (struct{}, error) {
				go active.RequestUpdate(ctx, false)
				return struct{}{}, nil
			})
	}

	throttle.Throttle(&m.lastAllGamesRefresh, m.cfg.AllGamesInterval,
		func() struct{} { return struct{}{} },
		func(error) struct{} { return struct{}{} },
		func() (struct{}, error) {
			m.refreshAllGames(ctx, active)
			return struct{}{}, nil
		})
}

// shouldRefreshActive: extended backends push updates cheaply, a game
// without a summary always needs one, and a game where it is not yet
// the local player's turn is the one worth watching.
func (m *Multiplayer) shouldRefreshActive(active *OnlineGame) bool {
	if m.capability == storage.CapabilityExtendedHTTP {
		return true
	}
	summary := active.Summary()
	return summary == nil || !summary.IsPlayersTurn(m.cfg.UserID)
}

func (m *Multiplayer) refreshAllGames(ctx context.Context, exclude *OnlineGame) {
	if err := m.reconcileStore(ctx); err != nil {
		log.Error("Failed to reconcile local saves: %v", err)
	}
	for _, game := range m.Games() {
		if game == exclude {
			continue
		}
		go game.RequestUpdate(ctx, false)
	}
}

// RequestUpdate refreshes all tracked games, skipping any in
// doNotUpdate. forceUpdate bypasses every throttle.
func (m *Multiplayer) RequestUpdate(ctx context.Context, forceUpdate bool, doNotUpdate ...*OnlineGame) {
	if err := m.reconcileStore(ctx); err != nil {
		log.Error("Failed to reconcile local saves: %v", err)
	}
	skip := make(map[*OnlineGame]bool, len(doNotUpdate))
	for _, game := range doNotUpdate {
		skip[game] = true
	}
	for _, game := range m.Games() {
		if skip[game] {
			continue
		}
		go game.RequestUpdate(ctx, forceUpdate)
	}
}

// reconcileStore aligns the tracked set with the local save store:
// saves that disappeared (the user may touch the save directory
// directly) drop their record, new saves gain one.
func (m *Multiplayer) reconcileStore(ctx context.Context) error {
	names, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
	}

	m.games.Range(func(key, _ interface{}) bool {
		name := key.(string)
		if !present[name] {
			log.Debug("Save %s disappeared, dropping record", name)
			m.games.Delete(name)
			m.bus.Publish(events.Deleted{GameName: name})
		}
		return true
	})

	for _, name := range names {
		if m.GameByName(name) != nil {
			continue
		}
		summary, err := m.store.LoadSummary(ctx, name)
		if err != nil {
			log.Warn("Skipping unreadable save %s: %v", name, err)
			continue
		}
		m.registerGame(name, summary.GameID, summary, true)
	}
	return nil
}

func (m *Multiplayer) registerGame(name, gameID string, summary *gametypes.GameSummary, announce bool) *OnlineGame {
	game := NewOnlineGame(NewOnlineGameOptions{
		Name:           name,
		GameID:         gameID,
		Summary:        summary,
		Server:         m.server,
		Bus:            m.bus,
		Store:          m.store,
		UpdateInterval: m.cfg.updateInterval(m.capability),
	})
	m.games.Store(name, game)
	if announce {
		m.bus.Publish(events.Added{GameName: name})
	}
	return game
}

// ListRemoteGameIDs enumerates every game stored on the backend,
// tracked locally or not. Callers use it to discover games worth
// adding.
func (m *Multiplayer) ListRemoteGameIDs(ctx context.Context) ([]string, error) {
	return m.server.ListGameIDs(ctx)
}

// CreateGame uploads a newly started game with its summary and begins
// tracking it under its game id.
func (m *Multiplayer) CreateGame(ctx context.Context, game *gametypes.GameInfo) (*OnlineGame, error) {
	if err := m.server.UploadGame(ctx, game, true); err != nil {
		return nil, err
	}
	return m.trackGame(ctx, game.AsSummary(), game.GameID)
}

// AddGame begins tracking an existing remote game by id. When the
// summary file is missing (very old games never wrote one), the full
// state is fetched instead and the summary derived from it. An empty
// name defaults to the game id.
func (m *Multiplayer) AddGame(ctx context.Context, gameID, name string) (*OnlineGame, error) {
	saveName := name
	if saveName == "" {
		saveName = gameID
	}
	summary, err := m.server.DownloadSummary(ctx, gameID)
	if err != nil {
		if !storage.IsNotFound(err) {
			return nil, err
		}
		game, err := m.server.DownloadGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		summary = game.AsSummary()
	}
	return m.trackGame(ctx, summary, saveName)
}

func (m *Multiplayer) trackGame(ctx context.Context, summary *gametypes.GameSummary, name string) (*OnlineGame, error) {
	if err := m.store.SaveSummary(ctx, name, summary); err != nil {
		return nil, fmt.Errorf("failed to persist save %s: %v", name, err)
	}
	log.Debug("Adding game %s", name)
	return m.registerGame(name, summary.GameID, summary, true), nil
}

// Resign resigns from the given game. It only proceeds when it is
// currently the local player's turn, so no other client can upload the
// game in the meantime; otherwise it returns false without touching
// the backend. The resigned civilization is handed to an AI
// controller, one turn is simulated, and every civilization gets an
// in-band notification before the state is re-uploaded.
func (m *Multiplayer) Resign(ctx context.Context, game *OnlineGame) (bool, error) {
	if game.Summary() == nil {
		if err := game.Err(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("game %s has no known state to resign from", game.Name())
	}

	// Work with the latest remote state.
	gameInfo, err := m.server.DownloadGame(ctx, game.GameID())
	if err != nil {
		return false, err
	}
	if !gameInfo.IsPlayersTurn(m.cfg.UserID) {
		return false, nil
	}

	playerCiv := gameInfo.CurrentCivilization()
	resignedName := playerCiv.Name
	playerCiv.PlayerType = gametypes.PlayerTypeAI
	playerCiv.PlayerID = ""

	if m.cfg.Simulator == nil {
		return false, fmt.Errorf("no turn simulator configured")
	}
	if err := m.cfg.Simulator.NextTurn(ctx, gameInfo); err != nil {
		return false, fmt.Errorf("failed to simulate turn: %v", err)
	}

	// AI players skip notifications anyway, so just tell everyone.
	for _, civ := range gameInfo.Civilizations {
		gameInfo.AddNotification(civ.Name, fmt.Sprintf("%s resigned and is now controlled by AI", resignedName), "General")
	}

	newSummary := gameInfo.AsSummary()
	if err := m.store.SaveSummary(ctx, game.Name(), newSummary); err != nil {
		return false, fmt.Errorf("failed to persist save %s: %v", game.Name(), err)
	}
	if err := m.server.UploadGame(ctx, gameInfo, true); err != nil {
		return false, err
	}
	game.DoManualUpdate(newSummary)
	return true, nil
}

// LoadGame downloads the full state of the given game, feeds the
// record a manual update when the download turned out newer, and
// returns the state for the caller to open.
func (m *Multiplayer) LoadGame(ctx context.Context, gameID string) (*gametypes.GameInfo, error) {
	gameInfo, err := m.server.DownloadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	gameInfo.UpToDate = true

	summary := gameInfo.AsSummary()
	game := m.GameByID(gameID)
	if game == nil {
		if _, err := m.trackGame(ctx, summary, gameID); err != nil {
			return nil, err
		}
	} else if summary.IsNewerThan(game.Summary()) {
		game.DoManualUpdate(summary)
	}
	return gameInfo, nil
}

// LoadGameInfo checks whether the locally held state is already
// current and skips the full download when it is; the skipped case
// marks the local state authoritative and is not an error.
func (m *Multiplayer) LoadGameInfo(ctx context.Context, local *gametypes.GameInfo) (*gametypes.GameInfo, error) {
	remote, err := m.server.DownloadSummary(ctx, local.GameID)
	if err == nil && local.HasLatestState(remote) {
		local.UpToDate = true
		return local, nil
	}
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	return m.LoadGame(ctx, local.GameID)
}

// UpdateGame uploads the state after the local player finished a turn
// and applies the result as a manual update, so the poll loop does not
// immediately re-fetch it.
func (m *Multiplayer) UpdateGame(ctx context.Context, gameInfo *gametypes.GameInfo) error {
	log.Debug("Updating remote game %s", gameInfo.GameID)
	if err := m.server.UploadGame(ctx, gameInfo, true); err != nil {
		return err
	}
	summary := gameInfo.AsSummary()
	game := m.GameByID(gameInfo.GameID)
	if game == nil {
		_, err := m.trackGame(ctx, summary, gameInfo.GameID)
		return err
	}
	if err := m.store.SaveSummary(ctx, game.Name(), summary); err != nil {
		return fmt.Errorf("failed to persist save %s: %v", game.Name(), err)
	}
	game.DoManualUpdate(summary)
	return nil
}

// DeleteGame stops tracking the game locally. The remote copy is
// intentionally left alone: other players still need it.
func (m *Multiplayer) DeleteGame(ctx context.Context, game *OnlineGame) error {
	if err := m.store.Delete(ctx, game.Name()); err != nil {
		return err
	}
	log.Debug("Deleting game %s with id %s", game.Name(), game.GameID())
	m.games.Delete(game.Name())
	m.bus.Publish(events.Deleted{GameName: game.Name()})
	return nil
}

// ChangeGameName re-registers the game under a new display name.
// The record is recreated, not mutated; the old save file is removed
// after the new one exists.
func (m *Multiplayer) ChangeGameName(ctx context.Context, game *OnlineGame, newName string) (*OnlineGame, error) {
	if m.GameByName(newName) != nil {
		return nil, fmt.Errorf("a game named %s already exists", newName)
	}
	summary := game.Summary()
	if summary == nil {
		if err := game.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("game %s has no state to rename", game.Name())
	}
	log.Debug("Changing name of game %s to %s", game.Name(), newName)
	if err := m.store.SaveSummary(ctx, newName, summary); err != nil {
		return nil, fmt.Errorf("failed to persist save %s: %v", newName, err)
	}
	newGame := m.registerGame(newName, game.GameID(), summary, false)

	oldName := game.Name()
	m.games.Delete(oldName)
	if err := m.store.Delete(ctx, oldName); err != nil {
		log.Warn("Failed to delete old save %s: %v", oldName, err)
	}
	m.bus.Publish(events.Renamed{OldName: oldName, NewName: newName})
	return newGame, nil
}

// Close releases backend resources such as the realtime feed.
func (m *Multiplayer) Close() {
	if rt, ok := m.server.Storage().(*storage.RealtimeStorage); ok {
		rt.Close()
	}
}
