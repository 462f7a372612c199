package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huykn/tagsync/types"
)

// DefaultPongWait is how long a client waits for any frame, pings included,
// before it treats the connection as lost.
const DefaultPongWait = 60 * time.Second

// WebsocketDialer dials the broadcaster over a websocket and presents the
// session token as a bearer Authorization header.
type WebsocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Dialer is the underlying dialer. If nil, websocket.DefaultDialer is used.
	Dialer *websocket.Dialer

	// Header is sent with every handshake in addition to Authorization.
	Header http.Header

	// PongWait overrides DefaultPongWait.
	PongWait time.Duration
}

// NewWebsocketDialer creates a WebsocketDialer for url.
func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{URL: url}
}

// Dial opens a connection. A 401 or 403 handshake response maps to ErrUnauthorized.
func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, err
	}

	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}
	return newWebsocketConn(ws, pongWait), nil
}

type websocketConn struct {
	ws       *websocket.Conn
	pongWait time.Duration
}

func newWebsocketConn(ws *websocket.Conn, pongWait time.Duration) *websocketConn {
	c := &websocketConn{ws: ws, pongWait: pongWait}
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c
}

func (c *websocketConn) Read(ctx context.Context) (types.InvalidationMessage, error) {
	var msg types.InvalidationMessage
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}
