package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openhex/openhex/pkg/log"
)

// WellKnownLegacyServer is the endpoint value that selects the shared
// dumb-store backend instead of a purpose-built server.
const WellKnownLegacyServer = "dropbox"

const (
	dropboxAPIBase     = "https://api.dropboxapi.com/2"
	dropboxContentBase = "https://content.dropboxapi.com/2"
	dropboxGamesFolder = "/MultiplayerGames"

	// Shared app token. The folder is world-writable by design; the
	// token only scopes requests to the app folder.
	dropboxToken = "LTdBbopPUQ0AAAAAAAACxh4_Qd1eVMM7IBK3ULV3BgxzWZDMfhmgFbuUNF_rXQWb"
)

// DropboxStorage is the legacy dumb-store adapter. It offers no
// accounts and aggressive rate limits; callers are expected to
// throttle hard.
type DropboxStorage struct {
	client      *http.Client
	folder      string
	apiBase     string
	contentBase string
}

type NewDropboxStorageOptions struct {
	// Client is optional; the default client is used when nil.
	Client *http.Client
	// Folder overrides the shared games folder, used by tests.
	Folder string
	// APIBase and ContentBase override the dropbox endpoints, used by
	// tests.
	APIBase     string
	ContentBase string
}

func NewDropboxStorage(opts NewDropboxStorageOptions) *DropboxStorage {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	folder := opts.Folder
	if folder == "" {
		folder = dropboxGamesFolder
	}
	apiBase := opts.APIBase
	if apiBase == "" {
		apiBase = dropboxAPIBase
	}
	contentBase := opts.ContentBase
	if contentBase == "" {
		contentBase = dropboxContentBase
	}
	return &DropboxStorage{
		client:      client,
		folder:      folder,
		apiBase:     apiBase,
		contentBase: contentBase,
	}
}

func (d *DropboxStorage) path(name string) string {
	return d.folder + "/" + name
}

type dropboxListPage struct {
	Entries []struct {
		Name        string `json:"name"`
		PathDisplay string `json:"path_display"`
	} `json:"entries"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

type dropboxMetadata struct {
	Name           string    `json:"name"`
	ServerModified time.Time `json:"server_modified"`
}

func (d *DropboxStorage) api(ctx context.Context, url, body, contentType, apiArg string) ([]byte, int, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+dropboxToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if apiArg != "" {
		req.Header.Set("Dropbox-API-Arg", apiArg)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, &ErrNetwork{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &ErrNetwork{Cause: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, &ErrRateLimitReached{RetryAfter: retryAfter(resp)}
	}
	return respBody, resp.StatusCode, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return time.Minute
}

func (d *DropboxStorage) Save(ctx context.Context, name string, data []byte, overwrite bool) error {
	apiArg := fmt.Sprintf(`{"path":%q}`, d.path(name))
	if overwrite {
		apiArg = fmt.Sprintf(`{"path":%q,"mode":{".tag":"overwrite"}}`, d.path(name))
	}
	body, status, err := d.api(ctx, d.contentBase+"/files/upload", string(data), "application/octet-stream", apiArg)
	if err != nil {
		return err
	}
	if status == http.StatusConflict && strings.Contains(string(body), "conflict") {
		return &ErrConflict{Name: name}
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to upload %s: status %d: %s", name, status, body)
	}
	return nil
}

func (d *DropboxStorage) Load(ctx context.Context, name string) ([]byte, error) {
	apiArg := fmt.Sprintf(`{"path":%q}`, d.path(name))
	body, status, err := d.api(ctx, d.contentBase+"/files/download", "", "text/plain", apiArg)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, &ErrNotFound{Name: name}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d: %s", name, status, body)
	}
	return body, nil
}

func (d *DropboxStorage) Metadata(ctx context.Context, name string) (*FileMetadata, error) {
	reqBody := fmt.Sprintf(`{"path":%q}`, d.path(name))
	body, status, err := d.api(ctx, d.apiBase+"/files/get_metadata", reqBody, "application/json", "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, &ErrNotFound{Name: name}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to get metadata for %s: status %d: %s", name, status, body)
	}
	meta := &dropboxMetadata{}
	if err := json.Unmarshal(body, meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %v", name, err)
	}
	return &FileMetadata{
		Name:         meta.Name,
		LastModified: meta.ServerModified,
	}, nil
}

func (d *DropboxStorage) Delete(ctx context.Context, name string) error {
	reqBody := fmt.Sprintf(`{"path":%q}`, d.path(name))
	body, status, err := d.api(ctx, d.apiBase+"/files/delete_v2", reqBody, "application/json", "")
	if err != nil {
		return err
	}
	// Deleting a missing file is fine at this layer.
	if status == http.StatusConflict {
		log.Debug("Delete of missing file %s ignored", name)
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to delete %s: status %d: %s", name, status, body)
	}
	return nil
}

// ListFolder drains the cursor-based pagination: list_folder returns
// partial listings, and list_folder/continue takes the cursor of the
// previous page instead of the path.
func (d *DropboxStorage) ListFolder(ctx context.Context, path string) ([]FolderEntry, error) {
	folder := d.folder
	if path != "" {
		folder = path
	}
	reqBody := fmt.Sprintf(`{"path":%q}`, folder)
	body, status, err := d.api(ctx, d.apiBase+"/files/list_folder", reqBody, "application/json", "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, &ErrNotFound{Name: folder}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to list %s: status %d: %s", folder, status, body)
	}

	var entries []FolderEntry
	page := &dropboxListPage{}
	if err := json.Unmarshal(body, page); err != nil {
		return nil, fmt.Errorf("failed to decode folder listing: %v", err)
	}
	for {
		for _, entry := range page.Entries {
			entries = append(entries, FolderEntry{
				Name: entry.Name,
				Path: entry.PathDisplay,
			})
		}
		if !page.HasMore {
			return entries, nil
		}
		reqBody = fmt.Sprintf(`{"cursor":%q}`, page.Cursor)
		body, status, err = d.api(ctx, d.apiBase+"/files/list_folder/continue", reqBody, "application/json", "")
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("failed to continue listing %s: status %d: %s", folder, status, body)
		}
		page = &dropboxListPage{}
		if err := json.Unmarshal(body, page); err != nil {
			return nil, fmt.Errorf("failed to decode folder listing page: %v", err)
		}
	}
}
