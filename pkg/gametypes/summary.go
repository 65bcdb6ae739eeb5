package gametypes

import (
	"time"

	"github.com/google/uuid"
)

type PlayerType string

const (
	PlayerTypeHuman PlayerType = "Human"
	PlayerTypeAI    PlayerType = "AI"
)

// CivilizationSummary is the per-civilization slice of a GameSummary.
type CivilizationSummary struct {
	Name       string     `json:"name"`
	PlayerID   string     `json:"playerId"`
	PlayerType PlayerType `json:"playerType"`
}

// GameParameters carries the game setup options that never change after
// game creation.
type GameParameters struct {
	Players        int    `json:"players"`
	MapSize        string `json:"mapSize"`
	GameSpeed      string `json:"gameSpeed"`
	VictoryTypes   string `json:"victoryTypes,omitempty"`
	AllowSpectator bool   `json:"allowSpectator,omitempty"`
}

// GameSummary is the reduced projection of a full game state that is
// sufficient to detect change and drive notifications. It is immutable
// once constructed; synchronization replaces it wholesale, never
// mutating it field by field.
type GameSummary struct {
	GameID               string                `json:"gameId"`
	Turns                int                   `json:"turns"`
	CurrentPlayer        string                `json:"currentPlayer"`
	CurrentTurnStartTime time.Time             `json:"currentTurnStartTime"`
	Difficulty           string                `json:"difficulty"`
	Parameters           GameParameters        `json:"gameParameters"`
	Civilizations        []CivilizationSummary `json:"civilizations"`
}

// NewGameID returns a fresh game id.
func NewGameID() string {
	return uuid.NewString()
}

// IsValidGameID reports whether id looks like a game id produced by
// NewGameID.
func IsValidGameID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GetCivilization returns the civilization with the given name, or nil.
func (s *GameSummary) GetCivilization(name string) *CivilizationSummary {
	for i := range s.Civilizations {
		if s.Civilizations[i].Name == name {
			return &s.Civilizations[i]
		}
	}
	return nil
}

// IsPlayersTurn reports whether the civilization whose turn it is
// belongs to the given player id.
func (s *GameSummary) IsPlayersTurn(playerID string) bool {
	civ := s.GetCivilization(s.CurrentPlayer)
	return civ != nil && civ.PlayerID == playerID
}

// IsNewerThan reports whether s represents a more recent game state
// than other. A state is newer when its turn counter is higher, or when
// the turn counter is equal but the current player differs.
//
// Known limitation: two clients that independently advance the same
// turn number to different current players are not disambiguated; the
// remote state wins. The deployed server ecosystem depends on this
// behavior, so it is intentionally not strengthened.
func (s *GameSummary) IsNewerThan(other *GameSummary) bool {
	if other == nil {
		return true
	}
	if s.Turns != other.Turns {
		return s.Turns > other.Turns
	}
	return s.CurrentPlayer != other.CurrentPlayer
}

// SameStateAs reports whether s and other describe the same point in
// the game, by the turn counter and current player alone.
func (s *GameSummary) SameStateAs(other *GameSummary) bool {
	return other != nil && s.Turns == other.Turns && s.CurrentPlayer == other.CurrentPlayer
}
