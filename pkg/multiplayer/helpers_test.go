package multiplayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openhex/openhex/pkg/codec"
	"github.com/openhex/openhex/pkg/events"
	"github.com/openhex/openhex/pkg/gametypes"
	"github.com/openhex/openhex/pkg/storage"
)

// memStorage is an in-memory FileStorage for tests. It counts writes
// so tests can assert that an operation never touched the backend.
type memStorage struct {
	mu        sync.Mutex
	files     map[string][]byte
	saveCalls int
	loadCalls int
	loadErr   error
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) Save(ctx context.Context, name string, data []byte, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if !overwrite {
		if _, ok := m.files[name]; ok {
			return &storage.ErrConflict{Name: name}
		}
	}
	m.files[name] = data
	return nil
}

func (m *memStorage) Load(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	data, ok := m.files[name]
	if !ok {
		return nil, &storage.ErrNotFound{Name: name}
	}
	return data, nil
}

func (m *memStorage) Metadata(ctx context.Context, name string) (*storage.FileMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return nil, &storage.ErrNotFound{Name: name}
	}
	return &storage.FileMetadata{Name: name, LastModified: time.Now()}, nil
}

func (m *memStorage) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *memStorage) ListFolder(ctx context.Context, path string) ([]storage.FolderEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []storage.FolderEntry
	for name := range m.files {
		entries = append(entries, storage.FolderEntry{Name: name, Path: "/" + name})
	}
	return entries, nil
}

func (m *memStorage) putSummary(summary *gametypes.GameSummary) {
	data, err := codec.Encode(summary)
	if err != nil {
		panic(fmt.Sprintf("failed to encode summary: %v", err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[summaryName(summary.GameID)] = data
}

func (m *memStorage) putGame(game *gametypes.GameInfo) {
	data, err := codec.Encode(game)
	if err != nil {
		panic(fmt.Sprintf("failed to encode game: %v", err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[game.GameID] = data
}

func (m *memStorage) putRaw(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = data
}

func (m *memStorage) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// recordingBus delivers events synchronously on the publishing
// goroutine, so tests observe them without sleeping.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) Subscribe(handler events.Handler) {}

func (b *recordingBus) Close() {}

func (b *recordingBus) all() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

func (b *recordingBus) countUpdateStarted(gameName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, event := range b.events {
		if started, ok := event.(events.UpdateStarted); ok && started.GameName == gameName {
			count++
		}
	}
	return count
}

func (b *recordingBus) last() events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	return b.events[len(b.events)-1]
}

// stubSimulator advances the turn counter and rotates the current
// player to the next civilization.
type stubSimulator struct {
	calls int
}

func (s *stubSimulator) NextTurn(ctx context.Context, game *gametypes.GameInfo) error {
	s.calls++
	game.Turns++
	for i, civ := range game.Civilizations {
		if civ.Name == game.CurrentPlayer {
			game.CurrentPlayer = game.Civilizations[(i+1)%len(game.Civilizations)].Name
			break
		}
	}
	game.CurrentTurnStartTime = time.Now().UTC()
	return nil
}

func testGameInfo(currentPlayer string, turns int) *gametypes.GameInfo {
	return &gametypes.GameInfo{
		GameID:        gametypes.NewGameID(),
		Turns:         turns,
		CurrentPlayer: currentPlayer,
		Civilizations: []gametypes.Civilization{
			{Name: "Rome", PlayerID: "player-1", PlayerType: gametypes.PlayerTypeHuman},
			{Name: "Egypt", PlayerID: "player-2", PlayerType: gametypes.PlayerTypeHuman},
			{Name: "Babylon", PlayerType: gametypes.PlayerTypeAI},
		},
	}
}
