package multiplayer

import (
	"context"
	"testing"
	"time"

	"github.com/openhex/openhex/pkg/events"
	"github.com/openhex/openhex/pkg/gametypes"
	"github.com/openhex/openhex/pkg/saves"
	"github.com/openhex/openhex/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	mp    *Multiplayer
	mem   *memStorage
	bus   *recordingBus
	store saves.Store
	sim   *stubSimulator
}

func newTestMultiplayer(t *testing.T) *testHarness {
	mem := newMemStorage()
	bus := &recordingBus{}
	sim := &stubSimulator{}
	store, err := saves.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	mp, err := NewMultiplayer(context.Background(), NewMultiplayerOptions{
		Config: Config{
			UserID:    "player-1",
			Server:    "http://multiplayer.test",
			Simulator: sim,
		},
		Bus:        bus,
		Store:      store,
		Storage:    mem,
		Capability: storage.CapabilityBasicHTTP,
	})
	require.NoError(t, err)
	return &testHarness{mp: mp, mem: mem, bus: bus, store: store, sim: sim}
}

func TestMultiplayer_CreateGame(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 0)
	game, err := h.mp.CreateGame(ctx, gameInfo)
	require.NoError(t, err)

	// Both the full state and the summary were uploaded.
	assert.Contains(t, h.mem.files, gameInfo.GameID)
	assert.Contains(t, h.mem.files, summaryName(gameInfo.GameID))

	assert.Same(t, game, h.mp.GameByID(gameInfo.GameID))
	saved, err := h.store.LoadSummary(ctx, game.Name())
	require.NoError(t, err)
	assert.Equal(t, gameInfo.GameID, saved.GameID)
	assert.IsType(t, events.Added{}, h.bus.last())
}

func TestMultiplayer_AddGameUsesSummary(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 4)
	h.mem.putGame(gameInfo)
	h.mem.putSummary(gameInfo.AsSummary())

	game, err := h.mp.AddGame(ctx, gameInfo.GameID, "frontier")
	require.NoError(t, err)
	assert.Equal(t, "frontier", game.Name())
	assert.Equal(t, 4, game.Summary().Turns)
}

func TestMultiplayer_AddGameFallsBackToFullState(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	// Old games never wrote a summary file.
	gameInfo := testGameInfo("Egypt", 17)
	h.mem.putGame(gameInfo)

	game, err := h.mp.AddGame(ctx, gameInfo.GameID, "")
	require.NoError(t, err)
	// Without a name the game id doubles as display name.
	assert.Equal(t, gameInfo.GameID, game.Name())
	require.NotNil(t, game.Summary())
	assert.Equal(t, 17, game.Summary().Turns)
	assert.Equal(t, "Egypt", game.Summary().CurrentPlayer)
}

func TestMultiplayer_AddGameMissingRemotely(t *testing.T) {
	h := newTestMultiplayer(t)

	_, err := h.mp.AddGame(context.Background(), gametypes.NewGameID(), "ghost")
	assert.True(t, storage.IsNotFound(err))
	assert.Nil(t, h.mp.GameByName("ghost"))
}

func TestMultiplayer_ResignOutOfTurnDoesNothing(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	// Egypt's turn: the local player (Rome) may not resign right now.
	gameInfo := testGameInfo("Egypt", 5)
	h.mem.putGame(gameInfo)
	h.mem.putSummary(gameInfo.AsSummary())
	game, err := h.mp.AddGame(ctx, gameInfo.GameID, "frontier")
	require.NoError(t, err)

	uploadsBefore := h.mem.saveCount()
	resigned, err := h.mp.Resign(ctx, game)
	require.NoError(t, err)
	assert.False(t, resigned)
	// Nothing was uploaded and no turn was simulated.
	assert.Equal(t, uploadsBefore, h.mem.saveCount())
	assert.Equal(t, 0, h.sim.calls)
}

func TestMultiplayer_Resign(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 5)
	h.mem.putGame(gameInfo)
	h.mem.putSummary(gameInfo.AsSummary())
	game, err := h.mp.AddGame(ctx, gameInfo.GameID, "frontier")
	require.NoError(t, err)

	resigned, err := h.mp.Resign(ctx, game)
	require.NoError(t, err)
	assert.True(t, resigned)
	assert.Equal(t, 1, h.sim.calls)

	// The re-uploaded state has the resigned civilization under AI
	// control with its player slot cleared.
	uploaded, err := h.mp.LoadGame(ctx, gameInfo.GameID)
	require.NoError(t, err)
	rome := uploaded.GetCivilization("Rome")
	require.NotNil(t, rome)
	assert.Equal(t, gametypes.PlayerTypeAI, rome.PlayerType)
	assert.Empty(t, rome.PlayerID)
	assert.Equal(t, 6, uploaded.Turns)

	// Every civilization was notified.
	for _, civ := range uploaded.Civilizations {
		assert.NotEmpty(t, civ.Notifications, "civilization %s", civ.Name)
	}

	// The record reflects the post-resignation state without another
	// fetch.
	assert.Equal(t, 6, game.Summary().Turns)
}

func TestMultiplayer_UpdateGame(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 2)
	game, err := h.mp.CreateGame(ctx, gameInfo)
	require.NoError(t, err)

	gameInfo.Turns = 3
	gameInfo.CurrentPlayer = "Egypt"
	require.NoError(t, h.mp.UpdateGame(ctx, gameInfo))

	assert.Equal(t, 3, game.Summary().Turns)
	saved, err := h.store.LoadSummary(ctx, game.Name())
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Turns)
}

func TestMultiplayer_DeleteGameKeepsRemoteCopy(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 2)
	game, err := h.mp.CreateGame(ctx, gameInfo)
	require.NoError(t, err)

	require.NoError(t, h.mp.DeleteGame(ctx, game))
	assert.Nil(t, h.mp.GameByID(gameInfo.GameID))
	assert.IsType(t, events.Deleted{}, h.bus.last())

	// Other players still need the remote files.
	assert.Contains(t, h.mem.files, gameInfo.GameID)

	_, err = h.store.LoadSummary(ctx, game.Name())
	assert.True(t, saves.IsNoSave(err))
}

func TestMultiplayer_ChangeGameName(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 2)
	game, err := h.mp.CreateGame(ctx, gameInfo)
	require.NoError(t, err)
	oldName := game.Name()

	renamed, err := h.mp.ChangeGameName(ctx, game, "new frontier")
	require.NoError(t, err)
	assert.Equal(t, "new frontier", renamed.Name())
	assert.Equal(t, gameInfo.GameID, renamed.GameID())
	assert.Nil(t, h.mp.GameByName(oldName))
	assert.Same(t, renamed, h.mp.GameByID(gameInfo.GameID))

	_, err = h.store.LoadSummary(ctx, oldName)
	assert.True(t, saves.IsNoSave(err))
	assert.IsType(t, events.Renamed{}, h.bus.last())
}

func TestMultiplayer_ChangeGameNameRejectsDuplicate(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	first, err := h.mp.CreateGame(ctx, testGameInfo("Rome", 1))
	require.NoError(t, err)
	second, err := h.mp.AddGame(ctx, first.GameID(), "other")
	require.NoError(t, err)

	_, err = h.mp.ChangeGameName(ctx, second, first.Name())
	assert.Error(t, err)
}

func TestMultiplayer_LoadGameInfoSkipsDownloadWhenCurrent(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 8)
	h.mem.putGame(gameInfo)
	h.mem.putSummary(gameInfo.AsSummary())
	_, err := h.mp.AddGame(ctx, gameInfo.GameID, "frontier")
	require.NoError(t, err)

	local := testGameInfo("Rome", 8)
	local.GameID = gameInfo.GameID

	loadsBefore := h.mem.loadCalls
	got, err := h.mp.LoadGameInfo(ctx, local)
	require.NoError(t, err)
	assert.Same(t, local, got)
	assert.True(t, got.UpToDate)
	// Only the summary was fetched, never the full state.
	assert.Equal(t, loadsBefore+1, h.mem.loadCalls)
}

func TestMultiplayer_LoadGameInfoFetchesWhenStale(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	remote := testGameInfo("Egypt", 9)
	h.mem.putGame(remote)
	h.mem.putSummary(remote.AsSummary())
	game, err := h.mp.AddGame(ctx, remote.GameID, "frontier")
	require.NoError(t, err)

	local := testGameInfo("Rome", 8)
	local.GameID = remote.GameID

	got, err := h.mp.LoadGameInfo(ctx, local)
	require.NoError(t, err)
	assert.NotSame(t, local, got)
	assert.Equal(t, 9, got.Turns)
	assert.True(t, got.UpToDate)
	assert.Equal(t, 9, game.Summary().Turns)
}

func TestMultiplayer_RestoresTrackedGamesFromStore(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	store, err := saves.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close(context.Background())

	summary := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}
	require.NoError(t, store.SaveSummary(context.Background(), "restored", summary))

	mp, err := NewMultiplayer(context.Background(), NewMultiplayerOptions{
		Config:     Config{UserID: "player-1", Server: "http://multiplayer.test"},
		Bus:        bus,
		Store:      store,
		Storage:    mem,
		Capability: storage.CapabilityBasicHTTP,
	})
	require.NoError(t, err)

	game := mp.GameByName("restored")
	require.NotNil(t, game)
	assert.Equal(t, summary.GameID, game.GameID())
	assert.Equal(t, 3, game.Summary().Turns)
	// Restoring is not an addition; no events are replayed.
	assert.Empty(t, bus.all())
}

func TestMultiplayer_ActiveGameTracking(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	game, err := h.mp.CreateGame(ctx, testGameInfo("Rome", 1))
	require.NoError(t, err)

	assert.Nil(t, h.mp.ActiveGame())
	h.mp.SetActiveGame(game.GameID())
	assert.Same(t, game, h.mp.ActiveGame())
	h.mp.SetActiveGame("")
	assert.Nil(t, h.mp.ActiveGame())
}

func TestMultiplayer_ListRemoteGameIDs(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	first := testGameInfo("Rome", 1)
	second := testGameInfo("Egypt", 2)
	h.mem.putGame(first)
	h.mem.putSummary(first.AsSummary())
	// Old games may exist as a summary file only, and backends carry
	// unrelated files alongside the saves.
	h.mem.putSummary(second.AsSummary())
	h.mem.putRaw("settings.json", []byte("{}"))

	ids, err := h.mp.ListRemoteGameIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.GameID, second.GameID}, ids)
}

func TestMultiplayer_ResignWithoutStateReturnsError(t *testing.T) {
	h := newTestMultiplayer(t)

	game := NewOnlineGame(NewOnlineGameOptions{
		Name:   "fresh",
		GameID: gametypes.NewGameID(),
		Server: NewSyncServer(h.mem, storage.CapabilityBasicHTTP),
		Bus:    h.bus,
	})

	resigned, err := h.mp.Resign(context.Background(), game)
	assert.False(t, resigned)
	require.Error(t, err)
	assert.Equal(t, 0, h.mem.saveCount())
}

func TestMultiplayer_BackgroundUpdatePersistsSummary(t *testing.T) {
	h := newTestMultiplayer(t)
	ctx := context.Background()

	gameInfo := testGameInfo("Rome", 2)
	h.mem.putGame(gameInfo)
	h.mem.putSummary(gameInfo.AsSummary())
	game, err := h.mp.AddGame(ctx, gameInfo.GameID, "frontier")
	require.NoError(t, err)

	// Another client finishes a turn; the background fetch must write
	// the new summary through to the local store, so a restart does not
	// resurface turn 2.
	h.mem.putSummary(&gametypes.GameSummary{GameID: gameInfo.GameID, Turns: 3, CurrentPlayer: "Egypt"})
	require.Equal(t, UpdateResultChanged, game.RequestUpdate(ctx, true))

	saved, err := h.store.LoadSummary(ctx, "frontier")
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Turns)
	assert.Equal(t, "Egypt", saved.CurrentPlayer)
}

func TestMultiplayer_ShouldRefreshActive(t *testing.T) {
	h := newTestMultiplayer(t)

	makeGame := func(summary *gametypes.GameSummary) *OnlineGame {
		return NewOnlineGame(NewOnlineGameOptions{
			Name:    "active",
			GameID:  gametypes.NewGameID(),
			Summary: summary,
			Server:  NewSyncServer(h.mem, storage.CapabilityBasicHTTP),
			Bus:     h.bus,
		})
	}
	waitingOnOthers := &gametypes.GameSummary{
		Turns:         3,
		CurrentPlayer: "Egypt",
		Civilizations: []gametypes.CivilizationSummary{
			{Name: "Rome", PlayerID: "player-1", PlayerType: gametypes.PlayerTypeHuman},
			{Name: "Egypt", PlayerID: "player-2", PlayerType: gametypes.PlayerTypeHuman},
		},
	}
	myTurn := &gametypes.GameSummary{
		Turns:         3,
		CurrentPlayer: "Rome",
		Civilizations: waitingOnOthers.Civilizations,
	}

	// Basic backend: refresh while waiting on other players or before
	// the first fetch, but not while it is the local player's own turn.
	assert.True(t, h.mp.shouldRefreshActive(makeGame(nil)))
	assert.True(t, h.mp.shouldRefreshActive(makeGame(waitingOnOthers)))
	assert.False(t, h.mp.shouldRefreshActive(makeGame(myTurn)))

	// Extended backends refresh cheaply in every case.
	extended := &Multiplayer{capability: storage.CapabilityExtendedHTTP}
	assert.True(t, extended.shouldRefreshActive(makeGame(myTurn)))
}

func newPollLoopMultiplayer(t *testing.T, cfg Config) (*Multiplayer, *memStorage, *recordingBus) {
	mem := newMemStorage()
	bus := &recordingBus{}
	store, err := saves.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	cfg.UserID = "player-1"
	cfg.Server = "http://multiplayer.test"
	mp, err := NewMultiplayer(context.Background(), NewMultiplayerOptions{
		Config:     cfg,
		Bus:        bus,
		Store:      store,
		Storage:    mem,
		Capability: storage.CapabilityBasicHTTP,
	})
	require.NoError(t, err)
	return mp, mem, bus
}

func runPollLoop(t *testing.T, mp *Multiplayer, d time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mp.Start(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll loop did not stop")
	}
	// Let fire-and-forget update goroutines publish their events.
	time.Sleep(50 * time.Millisecond)
}

func TestMultiplayer_PollLoopExcludesActiveFromAllGamesRefresh(t *testing.T) {
	mp, _, bus := newPollLoopMultiplayer(t, Config{
		TickInterval:        5 * time.Millisecond,
		CurrentGameInterval: time.Hour,
		AllGamesInterval:    20 * time.Millisecond,
	})
	ctx := context.Background()

	// Egypt's turn: the active game qualifies for current-game
	// refreshes.
	active, err := mp.CreateGame(ctx, testGameInfo("Egypt", 1))
	require.NoError(t, err)
	other, err := mp.CreateGame(ctx, testGameInfo("Rome", 1))
	require.NoError(t, err)
	mp.SetActiveGame(active.GameID())

	runPollLoop(t, mp, 200*time.Millisecond)

	// The all-games refresh fired repeatedly for the other game but
	// never touched the active one; the active game saw exactly the
	// single current-game refresh its hour-long throttle allows.
	assert.GreaterOrEqual(t, bus.countUpdateStarted(other.Name()), 2)
	assert.Equal(t, 1, bus.countUpdateStarted(active.Name()))
}

func TestMultiplayer_PollLoopRefreshesActiveOnShortInterval(t *testing.T) {
	mp, _, bus := newPollLoopMultiplayer(t, Config{
		TickInterval:        5 * time.Millisecond,
		CurrentGameInterval: 20 * time.Millisecond,
		AllGamesInterval:    time.Hour,
	})
	ctx := context.Background()

	active, err := mp.CreateGame(ctx, testGameInfo("Egypt", 1))
	require.NoError(t, err)
	other, err := mp.CreateGame(ctx, testGameInfo("Rome", 1))
	require.NoError(t, err)
	mp.SetActiveGame(active.GameID())

	runPollLoop(t, mp, 200*time.Millisecond)

	// The active game rides the short interval; everything else waits
	// for the hour-long all-games refresh, which fired only once at
	// loop start.
	assert.GreaterOrEqual(t, bus.countUpdateStarted(active.Name()), 2)
	assert.Equal(t, 1, bus.countUpdateStarted(other.Name()))
}

func TestMultiplayer_StartStopsOnContextCancel(t *testing.T) {
	h := newTestMultiplayer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.mp.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll loop did not stop on context cancellation")
	}
}
