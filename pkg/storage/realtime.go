package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openhex/openhex/pkg/log"
)

const feedBufferSize = 64

// RealtimeStorage is the extended-API adapter: the same file endpoints
// as ServerStorage plus a websocket feed of game update notices, so
// the poll loop can refresh a changed game immediately instead of
// waiting out its interval.
type RealtimeStorage struct {
	*ServerStorage
	wsURL   string
	updates chan UpdateNotice
	cancel  context.CancelFunc
	done    chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

type NewRealtimeStorageOptions struct {
	NewServerStorageOptions
}

func NewRealtimeStorage(opts NewRealtimeStorageOptions) *RealtimeStorage {
	base := NormalizeURL(opts.BaseURL)
	wsURL := strings.Replace(base, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &RealtimeStorage{
		ServerStorage: NewServerStorage(opts.NewServerStorageOptions),
		wsURL:         wsURL + "api/updates",
		updates:       make(chan UpdateNotice, feedBufferSize),
		done:          make(chan struct{}),
	}
}

// Connect establishes the websocket feed and starts the reader
// goroutine. The feed reconnects on read errors until the context is
// canceled.
func (r *RealtimeStorage) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := r.dial(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect update feed: %v", err)
	}
	// cancel is only published once the read loop is guaranteed to
	// start, since the read loop is what closes done; otherwise a Close
	// after a failed Connect would wait on it forever.
	r.cancel = cancel
	r.setConn(conn)

	go r.readLoop(ctx, conn)
	return nil
}

// setConn tracks the live connection so Close can unblock the read.
func (r *RealtimeStorage) setConn(conn *websocket.Conn) {
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
}

func (r *RealtimeStorage) closeConn() {
	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.connMu.Unlock()
}

func basicAuth(userID, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(userID+":"+password))
}

func (r *RealtimeStorage) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := map[string][]string{}
	if r.userID != "" {
		header["Authorization"] = []string{basicAuth(r.userID, r.pass)}
	}
	conn, _, err := dialer.DialContext(ctx, r.wsURL, header)
	if err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	return conn, nil
}

func (r *RealtimeStorage) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(r.done)
	defer close(r.updates)
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error("Update feed read error: %v", err)
			}
			conn, err = r.reconnect(ctx)
			if err != nil {
				return
			}
			r.setConn(conn)
			continue
		}

		notice := UpdateNotice{}
		if err := json.Unmarshal(message, &notice); err != nil {
			log.Warn("Discarding malformed update notice: %v", err)
			continue
		}
		select {
		case r.updates <- notice:
		default:
			log.Warn("Dropping update notice for game %s: feed buffer full", notice.GameID)
		}
	}
}

func (r *RealtimeStorage) reconnect(ctx context.Context) (*websocket.Conn, error) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		conn, err := r.dial(ctx)
		if err == nil {
			log.Info("Update feed reconnected")
			return conn, nil
		}
		log.Debug("Update feed reconnect failed: %v", err)
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

// Updates returns the notice channel. It is closed when the feed
// shuts down.
func (r *RealtimeStorage) Updates() <-chan UpdateNotice {
	return r.updates
}

// Close tears down the feed and waits for the reader goroutine.
func (r *RealtimeStorage) Close() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.closeConn()
	<-r.done
}
