package multiplayer

import (
	"context"
	"fmt"
	"strings"

	"github.com/openhex/openhex/pkg/codec"
	"github.com/openhex/openhex/pkg/gametypes"
	"github.com/openhex/openhex/pkg/log"
	"github.com/openhex/openhex/pkg/storage"
)

const summarySuffix = "_Preview"

// SyncServer moves full game states and their summaries over any
// FileStorage backend. The full state lives under the game id, the
// summary under the game id plus a suffix, so a client can poll the
// cheap summary without pulling the whole save.
type SyncServer struct {
	storage    storage.FileStorage
	capability storage.Capability
}

func NewSyncServer(fileStorage storage.FileStorage, capability storage.Capability) *SyncServer {
	return &SyncServer{
		storage:    fileStorage,
		capability: capability,
	}
}

func (s *SyncServer) Capability() storage.Capability {
	return s.capability
}

func (s *SyncServer) Storage() storage.FileStorage {
	return s.storage
}

func summaryName(gameID string) string {
	return gameID + summarySuffix
}

// UploadGame uploads the full state and, when withSummary is set, the
// derived summary alongside it.
func (s *SyncServer) UploadGame(ctx context.Context, game *gametypes.GameInfo, withSummary bool) error {
	data, err := codec.Encode(game)
	if err != nil {
		return fmt.Errorf("failed to encode game %s: %v", game.GameID, err)
	}
	if err := s.storage.Save(ctx, game.GameID, data, true); err != nil {
		return err
	}
	if withSummary {
		return s.UploadSummary(ctx, game.AsSummary())
	}
	return nil
}

// UploadSummary uploads only the summary file.
func (s *SyncServer) UploadSummary(ctx context.Context, summary *gametypes.GameSummary) error {
	data, err := codec.Encode(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary %s: %v", summary.GameID, err)
	}
	return s.storage.Save(ctx, summaryName(summary.GameID), data, true)
}

// DownloadGame fetches and decodes the full state.
func (s *SyncServer) DownloadGame(ctx context.Context, gameID string) (*gametypes.GameInfo, error) {
	data, err := s.storage.Load(ctx, gameID)
	if err != nil {
		return nil, err
	}
	game := &gametypes.GameInfo{}
	if err := codec.Decode(data, game); err != nil {
		return nil, fmt.Errorf("failed to decode game %s: %v", gameID, err)
	}
	return game, nil
}

// DownloadSummary fetches and decodes the summary file.
func (s *SyncServer) DownloadSummary(ctx context.Context, gameID string) (*gametypes.GameSummary, error) {
	data, err := s.storage.Load(ctx, summaryName(gameID))
	if err != nil {
		return nil, err
	}
	summary := &gametypes.GameSummary{}
	if err := codec.Decode(data, summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary %s: %v", gameID, err)
	}
	return summary, nil
}

// ListGameIDs enumerates the game ids stored remotely, draining the
// backend's pagination. Summary files are folded into their game.
func (s *SyncServer) ListGameIDs(ctx context.Context) ([]string, error) {
	entries, err := s.storage.ListFolder(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, entry := range entries {
		id := strings.TrimSuffix(entry.Name, summarySuffix)
		if !gametypes.IsValidGameID(id) {
			log.Trace("Skipping non-game file %s in listing", entry.Name)
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
