package gametypes

import (
	"context"
	"encoding/json"
	"time"
)

// Notification is an in-band message attached to a civilization,
// shown the next time that player opens the game.
type Notification struct {
	Text     string    `json:"text"`
	Category string    `json:"category,omitempty"`
	Created  time.Time `json:"created"`
}

// Civilization is the per-civilization slice of the full game state
// that the synchronization layer needs to touch. Rules-engine data it
// has no business with rides along in Extra.
type Civilization struct {
	Name          string          `json:"name"`
	PlayerID      string          `json:"playerId"`
	PlayerType    PlayerType      `json:"playerType"`
	Notifications []Notification  `json:"notifications,omitempty"`
	Extra         json.RawMessage `json:"extra,omitempty"`
}

// GameInfo is the full multiplayer game state. The rules engine owns
// its semantics; this layer only reads the turn bookkeeping, rewrites
// player assignments on resignation and carries the rest opaquely.
type GameInfo struct {
	GameID               string          `json:"gameId"`
	Turns                int             `json:"turns"`
	CurrentPlayer        string          `json:"currentPlayer"`
	CurrentTurnStartTime time.Time       `json:"currentTurnStartTime"`
	Difficulty           string          `json:"difficulty"`
	Parameters           GameParameters  `json:"gameParameters"`
	Civilizations        []Civilization  `json:"civilizations"`
	Extra                json.RawMessage `json:"extra,omitempty"`

	// UpToDate marks a state that is known to match the remote copy.
	// Never serialized.
	UpToDate bool `json:"-"`
}

// TurnSimulator advances a game by one turn. It is implemented by the
// rules engine, which is outside this repository.
type TurnSimulator interface {
	NextTurn(ctx context.Context, game *GameInfo) error
}

// GetCivilization returns the civilization with the given name, or nil.
func (g *GameInfo) GetCivilization(name string) *Civilization {
	for i := range g.Civilizations {
		if g.Civilizations[i].Name == name {
			return &g.Civilizations[i]
		}
	}
	return nil
}

// CurrentCivilization returns the civilization whose turn it is, or nil.
func (g *GameInfo) CurrentCivilization() *Civilization {
	return g.GetCivilization(g.CurrentPlayer)
}

// IsPlayersTurn reports whether the civilization whose turn it is
// belongs to the given player id.
func (g *GameInfo) IsPlayersTurn(playerID string) bool {
	civ := g.CurrentCivilization()
	return civ != nil && civ.PlayerID == playerID
}

// AddNotification appends an in-band notification to the named
// civilization.
func (g *GameInfo) AddNotification(civName, text, category string) {
	civ := g.GetCivilization(civName)
	if civ == nil {
		return
	}
	civ.Notifications = append(civ.Notifications, Notification{
		Text:     text,
		Category: category,
		Created:  time.Now().UTC(),
	})
}

// AsSummary derives the reduced status summary from the full state.
func (g *GameInfo) AsSummary() *GameSummary {
	civs := make([]CivilizationSummary, len(g.Civilizations))
	for i, civ := range g.Civilizations {
		civs[i] = CivilizationSummary{
			Name:       civ.Name,
			PlayerID:   civ.PlayerID,
			PlayerType: civ.PlayerType,
		}
	}
	return &GameSummary{
		GameID:               g.GameID,
		Turns:                g.Turns,
		CurrentPlayer:        g.CurrentPlayer,
		CurrentTurnStartTime: g.CurrentTurnStartTime,
		Difficulty:           g.Difficulty,
		Parameters:           g.Parameters,
		Civilizations:        civs,
	}
}

// HasLatestState reports whether the held full state already matches
// the remote summary, by the same turn and current-player comparison
// used everywhere else.
func (g *GameInfo) HasLatestState(remote *GameSummary) bool {
	return remote != nil && g.Turns == remote.Turns && g.CurrentPlayer == remote.CurrentPlayer
}
