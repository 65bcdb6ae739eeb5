package saves

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openhex/openhex/pkg/codec"
	"github.com/openhex/openhex/pkg/gametypes"
)

const saveFileSuffix = ".save"

// FileStore keeps one codec-encoded summary file per tracked game in a
// single directory. The file name is the display name, not the game
// id.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %v", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) filePath(name string) string {
	return filepath.Join(s.dir, name+saveFileSuffix)
}

func (s *FileStore) SaveSummary(ctx context.Context, name string, summary *gametypes.GameSummary) error {
	data, err := codec.Encode(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary for %s: %v", name, err)
	}
	tmp := s.filePath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write save for %s: %v", name, err)
	}
	if err := os.Rename(tmp, s.filePath(name)); err != nil {
		return fmt.Errorf("failed to replace save for %s: %v", name, err)
	}
	return nil
}

func (s *FileStore) LoadSummary(ctx context.Context, name string) (*gametypes.GameSummary, error) {
	data, err := os.ReadFile(s.filePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNoSave{Name: name}
		}
		return nil, fmt.Errorf("failed to read save for %s: %v", name, err)
	}
	summary := &gametypes.GameSummary{}
	if err := codec.Decode(data, summary); err != nil {
		return nil, fmt.Errorf("failed to decode save for %s: %v", name, err)
	}
	return summary, nil
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := os.Remove(s.filePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete save for %s: %v", name, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read save directory: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), saveFileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), saveFileSuffix))
	}
	return names, nil
}

func (s *FileStore) Close(ctx context.Context) error {
	return nil
}
