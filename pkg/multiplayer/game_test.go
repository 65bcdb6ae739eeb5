package multiplayer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openhex/openhex/pkg/events"
	"github.com/openhex/openhex/pkg/gametypes"
	"github.com/openhex/openhex/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGame(t *testing.T, mem *memStorage, bus *recordingBus, summary *gametypes.GameSummary, gameID string) *OnlineGame {
	return NewOnlineGame(NewOnlineGameOptions{
		Name:           "my game",
		GameID:         gameID,
		Summary:        summary,
		Server:         NewSyncServer(mem, storage.CapabilityBasicHTTP),
		Bus:            bus,
		UpdateInterval: time.Hour,
	})
}

func TestOnlineGame_FreshGameUpdatesDespiteThrottle(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	remote := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}
	mem.putSummary(remote)

	game := newTestGame(t, mem, bus, nil, remote.GameID)

	// A game with no summary must fetch even though the interval is an
	// hour: there is nothing to show otherwise.
	result := game.RequestUpdate(context.Background(), false)
	assert.Equal(t, UpdateResultChanged, result)
	require.NotNil(t, game.Summary())
	assert.Equal(t, 3, game.Summary().Turns)

	got := bus.all()
	require.Len(t, got, 2)
	assert.IsType(t, events.UpdateStarted{}, got[0])
	assert.IsType(t, events.Updated{}, got[1])
}

func TestOnlineGame_ThrottledCallIsUnchanged(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	remote := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}
	mem.putSummary(remote)

	game := newTestGame(t, mem, bus, remote, remote.GameID)

	result := game.RequestUpdate(context.Background(), false)
	assert.Equal(t, UpdateResultUnchanged, result)
	assert.IsType(t, events.Unchanged{}, bus.last())
	// The throttled call never hit the backend.
	assert.Equal(t, 0, mem.loadCalls)
}

func TestOnlineGame_ForceBypassesThrottle(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	cached := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}
	newer := &gametypes.GameSummary{GameID: cached.GameID, Turns: 4, CurrentPlayer: "Egypt"}
	mem.putSummary(newer)

	game := newTestGame(t, mem, bus, cached, cached.GameID)

	result := game.RequestUpdate(context.Background(), true)
	assert.Equal(t, UpdateResultChanged, result)
	assert.Equal(t, 4, game.Summary().Turns)
}

func TestOnlineGame_SameRemoteStateIsUnchanged(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	remote := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}
	mem.putSummary(remote)

	cached := &gametypes.GameSummary{GameID: remote.GameID, Turns: 3, CurrentPlayer: "Rome"}
	game := newTestGame(t, mem, bus, cached, remote.GameID)

	result := game.RequestUpdate(context.Background(), true)
	assert.Equal(t, UpdateResultUnchanged, result)
	// The cached summary object is retained, not replaced.
	assert.Same(t, cached, game.Summary())
}

func TestOnlineGame_FailureSetsErrAndBypassesNextThrottle(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	cached := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}

	// Nothing uploaded remotely: the fetch fails with not-found.
	game := newTestGame(t, mem, bus, cached, cached.GameID)

	result := game.RequestUpdate(context.Background(), true)
	assert.Equal(t, UpdateResultFailed, result)
	assert.True(t, storage.IsNotFound(game.Err()))
	assert.IsType(t, events.UpdateFailed{}, bus.last())
	// The cached summary survives the failure.
	assert.Same(t, cached, game.Summary())

	// The stale game retries without force even within the interval.
	mem.putSummary(&gametypes.GameSummary{GameID: cached.GameID, Turns: 5, CurrentPlayer: "Egypt"})
	result = game.RequestUpdate(context.Background(), false)
	assert.Equal(t, UpdateResultChanged, result)
	assert.NoError(t, game.Err())
}

func TestOnlineGame_SuccessfulUnchangedClearsErr(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	cached := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}
	game := newTestGame(t, mem, bus, cached, cached.GameID)

	require.Equal(t, UpdateResultFailed, game.RequestUpdate(context.Background(), true))
	require.Error(t, game.Err())

	mem.putSummary(&gametypes.GameSummary{GameID: cached.GameID, Turns: 3, CurrentPlayer: "Rome"})
	assert.Equal(t, UpdateResultUnchanged, game.RequestUpdate(context.Background(), false))
	assert.NoError(t, game.Err())
}

func TestOnlineGame_ManualUpdateWinsOverInFlightFetch(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	remote := &gametypes.GameSummary{GameID: gametypes.NewGameID(), Turns: 3, CurrentPlayer: "Rome"}
	mem.putSummary(remote)

	game := newTestGame(t, mem, bus, nil, remote.GameID)

	// The manual summary is ahead of the remote copy; a fetch that
	// completes afterwards must not roll the cached state back.
	manual := &gametypes.GameSummary{GameID: remote.GameID, Turns: 9, CurrentPlayer: "Egypt"}
	game.DoManualUpdate(manual)

	result := game.RequestUpdate(context.Background(), true)
	assert.Equal(t, UpdateResultUnchanged, result)
	assert.Same(t, manual, game.Summary())
}

func TestOnlineGame_ConcurrentManualUpdates(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	game := newTestGame(t, mem, bus, nil, gametypes.NewGameID())

	summaries := make([]*gametypes.GameSummary, 8)
	for i := range summaries {
		summaries[i] = &gametypes.GameSummary{GameID: game.GameID(), Turns: i, CurrentPlayer: "Rome"}
	}

	var wg sync.WaitGroup
	for _, summary := range summaries {
		wg.Add(1)
		go func(summary *gametypes.GameSummary) {
			defer wg.Done()
			game.DoManualUpdate(summary)
		}(summary)
	}
	wg.Wait()

	// The final state is whichever update landed last, and the marker
	// never moved backwards.
	assert.Contains(t, summaries, game.Summary())
	assert.False(t, game.LastUpdate().IsZero())
	assert.False(t, game.NeedsForcedUpdate())
}

func TestOnlineGame_ManualUpdateAdvancesMarker(t *testing.T) {
	mem := newMemStorage()
	bus := &recordingBus{}
	game := newTestGame(t, mem, bus, nil, gametypes.NewGameID())

	before := game.LastUpdate()
	assert.True(t, before.IsZero())

	game.DoManualUpdate(&gametypes.GameSummary{GameID: game.GameID(), Turns: 1, CurrentPlayer: "Rome"})
	assert.False(t, game.LastUpdate().IsZero())
	assert.False(t, game.NeedsForcedUpdate())

	// With a fresh marker and summary, a non-forced update throttles.
	assert.Equal(t, UpdateResultUnchanged, game.RequestUpdate(context.Background(), false))
	assert.Equal(t, 0, mem.loadCalls)
}
