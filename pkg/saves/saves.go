// Package saves persists the local view of tracked multiplayer games:
// one status summary per display name. The full game state is never
// required here; the synchronization layer can always re-derive it
// from a fresh network fetch.
package saves

import (
	"context"
	"errors"
	"fmt"

	"github.com/openhex/openhex/pkg/gametypes"
)

// Store is the local persistence contract for tracked games.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveSummary stores the summary under the given display name,
	// replacing any previous one.
	SaveSummary(ctx context.Context, name string, summary *gametypes.GameSummary) error
	// LoadSummary returns the stored summary, or *ErrNoSave.
	LoadSummary(ctx context.Context, name string) (*gametypes.GameSummary, error)
	// Delete removes the save. Deleting a missing name is not an
	// error.
	Delete(ctx context.Context, name string) error
	// List returns the display names of all stored games.
	List(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

// ErrNoSave is returned when no save exists under the requested name.
type ErrNoSave struct {
	Name string
}

func (e *ErrNoSave) Error() string {
	return fmt.Sprintf("no save named %s", e.Name)
}

func IsNoSave(err error) bool {
	var e *ErrNoSave
	return errors.As(err, &e)
}
