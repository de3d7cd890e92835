package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"nhooyr.io/websocket"
)

// aria2 notification methods.
const (
	OnDownloadStart    = "aria2.onDownloadStart"
	OnDownloadPause    = "aria2.onDownloadPause"
	OnDownloadStop     = "aria2.onDownloadStop"
	OnDownloadComplete = "aria2.onDownloadComplete"
	OnDownloadError    = "aria2.onDownloadError"
)

// Notification is one event pushed by aria2 over the websocket.
type Notification struct {
	Method string              `json:"method"`
	Params []NotificationEvent `json:"params"`
}

// NotificationEvent names the transfer an event refers to.
type NotificationEvent struct {
	GID string `json:"gid"`
}

// WebsocketURL maps the JSON-RPC endpoint to its websocket twin. aria2
// serves both on the same path.
func (c *Client) WebsocketURL() (string, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u.String(), nil
}

// Notifications dials the websocket endpoint and streams notifications.
// Responses to calls and undecodable frames are dropped. The channel is
// closed when the connection ends or ctx is done.
func (c *Client) Notifications(ctx context.Context) (<-chan Notification, error) {
	wsURL, err := c.WebsocketURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	ch := make(chan Notification, 8)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
		for {
			_, frame, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var n Notification
			if err := json.Unmarshal(bytes.TrimSpace(frame), &n); err != nil || n.Method == "" {
				continue
			}
			select {
			case ch <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
