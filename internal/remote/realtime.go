package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/coder/websocket"
)

// insertEvent is the wire shape of a realtime table event.
type insertEvent struct {
	Type   string `json:"type"` // INSERT, UPDATE
	Record Row    `json:"record"`
}

// WSRealtime subscribes to incidents table events over a WebSocket channel.
type WSRealtime struct {
	url    string
	auth   AuthProvider
	logger *log.Logger
}

// NewWSRealtime creates a realtime subscriber for the given channel URL.
// If logger is nil, a default logger writing to stderr is used.
func NewWSRealtime(channelURL string, auth AuthProvider, logger *log.Logger) (*WSRealtime, error) {
	if channelURL == "" {
		return nil, fmt.Errorf("channel URL cannot be empty")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &WSRealtime{url: channelURL, auth: auth, logger: logger}, nil
}

// Subscribe implements Realtime. It dials the channel and delivers each
// INSERT/UPDATE row payload to onRow until the connection fails or ctx is
// cancelled. Cancellation is returned as ctx.Err(), distinct from transport
// errors, so callers can tell teardown from a broken subscription.
func (w *WSRealtime) Subscribe(ctx context.Context, onRow func(Row)) error {
	auth := w.auth.Auth()
	if !auth.Usable() {
		return ErrUnauthenticated
	}

	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + auth.AccessToken}},
	})
	if err != nil {
		return fmt.Errorf("failed to dial realtime channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	w.logger.Printf("Subscribed to %s", w.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime read failed: %w", err)
		}

		var ev insertEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			w.logger.Printf("Skipping malformed realtime event: %v", err)
			continue
		}
		if ev.Type != "INSERT" && ev.Type != "UPDATE" {
			continue
		}

		onRow(ev.Record)
	}
}
