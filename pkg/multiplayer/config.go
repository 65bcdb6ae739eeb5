package multiplayer

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/openhex/openhex/pkg/gametypes"
	"github.com/openhex/openhex/pkg/log"
	"github.com/openhex/openhex/pkg/storage"
)

// Config is the explicit configuration of the orchestrator. There is
// no settings singleton: everything the synchronization layer needs is
// passed in here at construction.
type Config struct {
	// UserID identifies the local player in civilization player
	// slots.
	UserID string
	// Server is the backend endpoint URL, or
	// storage.WellKnownLegacyServer for the shared dumb store.
	Server string
	// Password authenticates against servers that advertise an auth
	// version. Ignored elsewhere.
	Password string

	// TickInterval is the poll loop tick.
	TickInterval time.Duration
	// CurrentGameInterval throttles the loop-level refresh of the
	// active game.
	CurrentGameInterval time.Duration
	// AllGamesInterval throttles the loop-level refresh of everything
	// else.
	AllGamesInterval time.Duration
	// GameUpdateInterval is the per-game throttle against
	// purpose-built servers.
	GameUpdateInterval time.Duration
	// LegacyUpdateInterval is the per-game throttle against the
	// legacy dumb store, which rate-limits much harder.
	LegacyUpdateInterval time.Duration
	// ProbeTimeout bounds each capability probe request.
	ProbeTimeout time.Duration

	// Simulator advances a game by one turn on resignation. Owned by
	// the rules engine.
	Simulator gametypes.TurnSimulator
}

const (
	DefaultTickInterval         = 500 * time.Millisecond
	DefaultCurrentGameInterval  = 10 * time.Second
	DefaultAllGamesInterval     = time.Minute
	DefaultGameUpdateInterval   = 3 * time.Second
	DefaultLegacyUpdateInterval = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Server == "" {
		c.Server = storage.WellKnownLegacyServer
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.CurrentGameInterval <= 0 {
		c.CurrentGameInterval = DefaultCurrentGameInterval
	}
	if c.AllGamesInterval <= 0 {
		c.AllGamesInterval = DefaultAllGamesInterval
	}
	if c.GameUpdateInterval <= 0 {
		c.GameUpdateInterval = DefaultGameUpdateInterval
	}
	if c.LegacyUpdateInterval <= 0 {
		c.LegacyUpdateInterval = DefaultLegacyUpdateInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = storage.DefaultProbeTimeout
	}
	return c
}

// updateInterval returns the per-game throttle interval for the given
// backend capability.
func (c Config) updateInterval(capability storage.Capability) time.Duration {
	if capability == storage.CapabilityLegacy {
		return c.LegacyUpdateInterval
	}
	return c.GameUpdateInterval
}

// LoadConfig reads configuration from the environment, after loading
// an optional .env file.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env: %v", err)
	}
	cfg := Config{
		UserID:   getEnv("OPENHEX_USER_ID", ""),
		Server:   getEnv("OPENHEX_MULTIPLAYER_SERVER", storage.WellKnownLegacyServer),
		Password: getEnv("OPENHEX_MULTIPLAYER_PASSWORD", ""),
	}
	var err error
	if cfg.CurrentGameInterval, err = getDurationEnv("OPENHEX_CURRENT_GAME_REFRESH", DefaultCurrentGameInterval); err != nil {
		return Config{}, err
	}
	if cfg.AllGamesInterval, err = getDurationEnv("OPENHEX_ALL_GAMES_REFRESH", DefaultAllGamesInterval); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// getEnv reads an environment variable and returns its value or a
// default value.
func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %v", key, err)
	}
	log.Debug("Using %s=%s", key, d)
	return d, nil
}
