// Package storage defines the remote file storage contract the
// multiplayer synchronization engine talks to, and its concrete
// backend adapters.
package storage

import (
	"context"
	"time"
)

// FileMetadata describes a stored file without transferring it.
type FileMetadata struct {
	Name         string
	LastModified time.Time
}

// FolderEntry is one name in a folder listing.
type FolderEntry struct {
	Name string
	Path string
}

// FileStorage is the contract every backend adapter satisfies.
//
// Any call may fail with *ErrRateLimitReached; the caller must back
// off. Load and Metadata fail with *ErrNotFound when the name is
// absent. Save fails with *ErrConflict when overwrite is false and the
// name exists. Delete is idempotent: deleting a non-existent name is
// not an error.
type FileStorage interface {
	Save(ctx context.Context, name string, data []byte, overwrite bool) error
	Load(ctx context.Context, name string) ([]byte, error)
	Metadata(ctx context.Context, name string) (*FileMetadata, error)
	Delete(ctx context.Context, name string) error
	// ListFolder returns the complete listing. Adapters drain their
	// backend's pagination before returning.
	ListFolder(ctx context.Context, path string) ([]FolderEntry, error)
}

// Authenticator is implemented by backends that support accounts.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, password string) error
}

// UpdateNotice announces that a remote game changed, pushed by
// backends with a realtime feed.
type UpdateNotice struct {
	GameID string `json:"gameId"`
	Turns  int    `json:"turns,omitempty"`
}

// UpdateFeed is implemented by backends that push update notices.
type UpdateFeed interface {
	// Updates returns the notice channel. It is closed when the feed
	// shuts down.
	Updates() <-chan UpdateNotice
}
