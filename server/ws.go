package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	tsync "github.com/huykn/tagsync/sync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxClientFrame = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsSink writes queued messages to one websocket connection.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Write(payload []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSink) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return s.conn.Close()
}

// handleWS authenticates the handshake, registers the channel with the
// broadcaster and keeps it until the client goes away.
func (s *Server) handleWS(c *gin.Context) {
	p, err := s.auth.Authenticate(bearerToken(c.Request))
	if err != nil {
		s.logger.Info("Server: websocket handshake rejected", "remote", c.ClientIP(), "error", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Server: websocket upgrade failed", "error", err)
		return
	}

	id := uuid.New().String()
	client := tsync.NewQueuedClient(id, &wsSink{conn: conn}, s.options.Client)
	s.broadcaster.Register(client)
	s.logger.Info("Server: channel opened", "channel", id, "subject", p.Subject)

	go client.Run(s.ctx)

	// clients only send pongs and close frames
	conn.SetReadLimit(maxClientFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.broadcaster.Unregister(id)
	client.Close()
	<-client.Done()
	s.logger.Info("Server: channel closed", "channel", id)
}
