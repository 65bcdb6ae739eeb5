package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openhex/openhex/pkg/log"
)

// ServerStorage is the adapter for the purpose-built HTTP file API:
// files live under {base}/files/{name}, listings are paged under
// {base}/files with a cursor query parameter.
type ServerStorage struct {
	baseURL string
	client  *http.Client
	userID  string
	pass    string
}

type NewServerStorageOptions struct {
	BaseURL string
	// Client is optional; a client with a sane timeout is used when
	// nil.
	Client *http.Client
	// UserID and Password are sent as basic auth when the server
	// advertises an auth version. Empty credentials are fine against
	// servers that do not check.
	UserID   string
	Password string
}

func NewServerStorage(opts NewServerStorageOptions) *ServerStorage {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ServerStorage{
		baseURL: NormalizeURL(opts.BaseURL),
		client:  client,
		userID:  opts.UserID,
		pass:    opts.Password,
	}
}

// NormalizeURL trims the endpoint down to a single trailing slash.
func NormalizeURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/"
}

func (s *ServerStorage) fileURL(name string) string {
	return s.baseURL + "files/" + url.PathEscape(name)
}

func (s *ServerStorage) do(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	if s.userID != "" {
		req.SetBasicAuth(s.userID, s.pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	return resp, nil
}

// checkStatus maps the response codes every endpoint shares. It
// consumes and closes the body on error.
func (s *ServerStorage) checkStatus(resp *http.Response, name string) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		err := &ErrRateLimitReached{RetryAfter: retryAfter(resp)}
		resp.Body.Close()
		return err
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return &ErrAuthFailed{}
	case http.StatusNotFound:
		resp.Body.Close()
		return &ErrNotFound{Name: name}
	case http.StatusConflict:
		resp.Body.Close()
		return &ErrConflict{Name: name}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (s *ServerStorage) Save(ctx context.Context, name string, data []byte, overwrite bool) error {
	rawURL := s.fileURL(name)
	if !overwrite {
		rawURL += "?overwrite=false"
	}
	resp, err := s.do(ctx, http.MethodPut, rawURL, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	if err := s.checkStatus(resp, name); err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *ServerStorage) Load(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, s.fileURL(name), nil)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(resp, name); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	return body, nil
}

func (s *ServerStorage) Metadata(ctx context.Context, name string) (*FileMetadata, error) {
	resp, err := s.do(ctx, http.MethodHead, s.fileURL(name), nil)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(resp, name); err != nil {
		return nil, err
	}
	resp.Body.Close()
	lastModified, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Last-Modified for %s: %v", name, err)
	}
	return &FileMetadata{
		Name:         name,
		LastModified: lastModified,
	}, nil
}

func (s *ServerStorage) Delete(ctx context.Context, name string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.fileURL(name), nil)
	if err != nil {
		return err
	}
	if err := s.checkStatus(resp, name); err != nil {
		// Idempotent delete.
		if IsNotFound(err) {
			log.Debug("Delete of missing file %s ignored", name)
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

type serverListPage struct {
	Files []struct {
		Name string `json:"name"`
		Path string `json:"path"`
	} `json:"files"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"hasMore"`
}

// ListFolder drains the server's cursor pagination before returning.
func (s *ServerStorage) ListFolder(ctx context.Context, path string) ([]FolderEntry, error) {
	var entries []FolderEntry
	cursor := ""
	for {
		rawURL := s.baseURL + "files?path=" + url.QueryEscape(path)
		if cursor != "" {
			rawURL += "&cursor=" + url.QueryEscape(cursor)
		}
		resp, err := s.do(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if err := s.checkStatus(resp, path); err != nil {
			return nil, err
		}
		page := &serverListPage{}
		err = json.NewDecoder(resp.Body).Decode(page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode file listing: %v", err)
		}
		for _, f := range page.Files {
			entries = append(entries, FolderEntry{Name: f.Name, Path: f.Path})
		}
		if !page.HasMore {
			return entries, nil
		}
		cursor = page.Cursor
	}
}

// Authenticate verifies the configured credentials against the
// server's auth endpoint.
func (s *ServerStorage) Authenticate(ctx context.Context, userID, password string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"auth", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.SetBasicAuth(userID, password)
	resp, err := s.client.Do(req)
	if err != nil {
		return &ErrNetwork{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ErrAuthFailed{}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from auth endpoint", resp.StatusCode)
	}
	s.userID = userID
	s.pass = password
	return nil
}
