package saves

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openhex/openhex/pkg/codec"
	"github.com/openhex/openhex/pkg/gametypes"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps summaries in an embedded database, for platforms
// where many small files are more expensive than one.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS multiplayer_saves (
	name TEXT PRIMARY KEY,
	game_id TEXT NOT NULL,
	turns INTEGER NOT NULL,
	data BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_multiplayer_saves_game_id ON multiplayer_saves (game_id);
`

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		return nil, fmt.Errorf("failed to execute migration: %v", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, name string, summary *gametypes.GameSummary) error {
	data, err := codec.Encode(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary for %s: %v", name, err)
	}
	q := `
	INSERT OR REPLACE INTO multiplayer_saves (name, game_id, turns, data, updated_at)
	VALUES (?, ?, ?, ?, ?);
	`
	if _, err := s.db.ExecContext(ctx, q, name, summary.GameID, summary.Turns, data, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert save: %v", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSummary(ctx context.Context, name string) (*gametypes.GameSummary, error) {
	q := `
	SELECT data FROM multiplayer_saves WHERE name = ?;
	`
	var data []byte
	if err := s.db.QueryRowContext(ctx, q, name).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNoSave{Name: name}
		}
		return nil, fmt.Errorf("failed to scan save: %v", err)
	}
	summary := &gametypes.GameSummary{}
	if err := codec.Decode(data, summary); err != nil {
		return nil, fmt.Errorf("failed to decode save for %s: %v", name, err)
	}
	return summary, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	q := `
	DELETE FROM multiplayer_saves WHERE name = ?;
	`
	if _, err := s.db.ExecContext(ctx, q, name); err != nil {
		return fmt.Errorf("failed to delete save: %v", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	q := `
	SELECT name FROM multiplayer_saves ORDER BY name;
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query saves: %v", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan save name: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate saves: %v", err)
	}
	return names, nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}
