package multiplayer

import (
	"context"
	"sync"
	"time"

	"github.com/openhex/openhex/pkg/events"
	"github.com/openhex/openhex/pkg/gametypes"
	"github.com/openhex/openhex/pkg/log"
	"github.com/openhex/openhex/pkg/saves"
	"github.com/openhex/openhex/pkg/throttle"
)

// UpdateResult is the outcome of one update attempt.
type UpdateResult int

const (
	// UpdateResultUnchanged: the remote state was not newer, or the
	// attempt was throttled.
	UpdateResultUnchanged UpdateResult = iota
	// UpdateResultChanged: a newer remote state replaced the cached
	// summary.
	UpdateResultChanged
	// UpdateResultFailed: the attempt errored; the cached summary is
	// untouched.
	UpdateResultFailed
)

// OnlineGame is the synchronization unit for a single tracked
// multiplayer game. It owns the game's throttle marker, the cached
// status summary and the last error.
//
// A game is in one of three states: Fresh (no summary yet), Synced
// (summary, no error) or Stale (summary, last attempt failed). Fresh
// and Stale games bypass throttling, since they need an update
// regardless of how recently one ran.
type OnlineGame struct {
	name           string
	gameID         string
	server         *SyncServer
	bus            events.Bus
	store          saves.Store
	updateInterval time.Duration

	lastUpdate throttle.Marker

	mu      sync.Mutex
	summary *gametypes.GameSummary
	err     error
}

type NewOnlineGameOptions struct {
	Name   string
	GameID string
	// Summary is the last known status, nil for a game that has never
	// been fetched.
	Summary *gametypes.GameSummary
	Server  *SyncServer
	Bus     events.Bus
	// Store, when set, receives the summary of every background update
	// so restarts resume from the last seen state. Optional.
	Store          saves.Store
	UpdateInterval time.Duration
}

func NewOnlineGame(opts NewOnlineGameOptions) *OnlineGame {
	g := &OnlineGame{
		name:           opts.Name,
		gameID:         opts.GameID,
		server:         opts.Server,
		bus:            opts.Bus,
		store:          opts.Store,
		updateInterval: opts.UpdateInterval,
		summary:        opts.Summary,
	}
	if opts.Summary != nil {
		g.lastUpdate.Advance()
	}
	return g
}

func (g *OnlineGame) Name() string {
	return g.name
}

func (g *OnlineGame) GameID() string {
	return g.gameID
}

// Summary returns the cached status summary, nil before the first
// successful fetch.
func (g *OnlineGame) Summary() *gametypes.GameSummary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.summary
}

// Err returns the error of the last failed attempt, nil after a
// successful one.
func (g *OnlineGame) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// LastUpdate returns the instant of the last successful update.
func (g *OnlineGame) LastUpdate() time.Time {
	return g.lastUpdate.Last()
}

// NeedsForcedUpdate reports whether the game must be updated
// regardless of throttling: it has no summary yet, or the last attempt
// failed.
func (g *OnlineGame) NeedsForcedUpdate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.summary == nil || g.err != nil
}

// RequestUpdate fetches the remote summary unless throttled, compares
// it with the cached one and emits exactly one of Updated, Unchanged
// or UpdateFailed after the initial UpdateStarted.
func (g *OnlineGame) RequestUpdate(ctx context.Context, forceUpdate bool) UpdateResult {
	g.bus.Publish(events.UpdateStarted{GameName: g.name})

	onNoExecution := func() UpdateResult {
		g.bus.Publish(events.Unchanged{GameName: g.name, Summary: g.Summary()})
		return UpdateResultUnchanged
	}
	onFailure := func(err error) UpdateResult {
		log.Debug("Update of game %s failed: %v", g.name, err)
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()
		g.bus.Publish(events.UpdateFailed{GameName: g.name, Err: err})
		return UpdateResultFailed
	}
	action := func() (UpdateResult, error) {
		return g.fetchAndCompare(ctx)
	}

	if forceUpdate || g.NeedsForcedUpdate() {
		return throttle.Attempt(&g.lastUpdate, onNoExecution, onFailure, action)
	}
	return throttle.Throttle(&g.lastUpdate, g.updateInterval, onNoExecution, onFailure, action)
}

func (g *OnlineGame) fetchAndCompare(ctx context.Context) (UpdateResult, error) {
	remote, err := g.server.DownloadSummary(ctx, g.gameID)
	if err != nil {
		return UpdateResultFailed, err
	}

	// The comparison re-reads the cached summary under the lock: a
	// manual update may have landed while the fetch was in flight, and
	// a stale fetch must not clobber it.
	g.mu.Lock()
	if g.summary != nil && !remote.IsNewerThan(g.summary) {
		summary := g.summary
		g.err = nil
		g.mu.Unlock()
		g.bus.Publish(events.Unchanged{GameName: g.name, Summary: summary})
		return UpdateResultUnchanged, nil
	}
	g.summary = remote
	g.err = nil
	g.mu.Unlock()
	g.persist(ctx, remote)
	g.bus.Publish(events.Updated{GameName: g.name, Summary: remote})
	return UpdateResultChanged, nil
}

// persist writes the summary through to the local save store, so a
// restarted session does not resurface a stale state until its first
// poll. Persistence failures are logged, never fatal.
func (g *OnlineGame) persist(ctx context.Context, summary *gametypes.GameSummary) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveSummary(ctx, g.name, summary); err != nil {
		log.Warn("Failed to persist save %s: %v", g.name, err)
	}
}

// DoManualUpdate applies a summary obtained from a known-fresh local
// source, typically right after the caller itself uploaded the game.
// It bypasses throttling, unconditionally advances the marker and
// replaces the cached summary, so the poll loop does not immediately
// re-fetch what was just written.
func (g *OnlineGame) DoManualUpdate(summary *gametypes.GameSummary) {
	g.lastUpdate.Advance()
	g.mu.Lock()
	g.summary = summary
	g.err = nil
	g.mu.Unlock()
	g.bus.Publish(events.Updated{GameName: g.name, Summary: summary})
}
