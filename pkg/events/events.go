// Package events carries the multiplayer status events the UI layer
// subscribes to.
package events

import "github.com/openhex/openhex/pkg/gametypes"

// Event is one multiplayer status transition. For a single game,
// subscribers receive events in emission order; no ordering is
// guaranteed across different games.
type Event interface {
	isEvent()
}

// UpdateStarted is emitted when a game update attempt begins,
// before any throttling decision.
type UpdateStarted struct {
	GameName string
}

// Updated is emitted when a newer remote state replaced the cached
// summary.
type Updated struct {
	GameName string
	Summary  *gametypes.GameSummary
}

// Unchanged is emitted when the remote state was not newer than the
// cached summary, or the attempt was throttled.
type Unchanged struct {
	GameName string
	Summary  *gametypes.GameSummary
}

// UpdateFailed is emitted when the update attempt errored. The cached
// summary is left untouched.
type UpdateFailed struct {
	GameName string
	Err      error
}

// Added is emitted when a game starts being tracked.
type Added struct {
	GameName string
}

// Deleted is emitted when a game stops being tracked locally.
type Deleted struct {
	GameName string
}

// Renamed is emitted when a tracked game changes its display name.
type Renamed struct {
	OldName string
	NewName string
}

func (UpdateStarted) isEvent() {}
func (Updated) isEvent()       {}
func (Unchanged) isEvent()     {}
func (UpdateFailed) isEvent()  {}
func (Added) isEvent()         {}
func (Deleted) isEvent()       {}
func (Renamed) isEvent()       {}
