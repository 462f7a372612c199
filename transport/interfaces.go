package transport

import (
	"context"
	"errors"

	"github.com/huykn/tagsync/types"
)

// ErrUnauthorized is returned by a Dialer when the handshake token is rejected.
// It is terminal: the channel never retries after it.
var ErrUnauthorized = errors.New("transport: handshake rejected")

// ErrOffline is reported once reconnect attempts are exhausted.
var ErrOffline = errors.New("transport: offline")

// ErrChannelClosed is returned when connecting a closed channel.
var ErrChannelClosed = errors.New("transport: channel closed")

// ErrAlreadyConnected is returned when Connect is called twice.
var ErrAlreadyConnected = errors.New("transport: already connected")

// ErrEmptyToken is returned when Connect is called without a token.
var ErrEmptyToken = errors.New("transport: empty token")

// ErrMalformedMessage wraps frames that could not be decoded. The channel
// skips them and keeps the connection.
var ErrMalformedMessage = errors.New("transport: malformed message")

// Conn is one established connection to the broadcaster.
type Conn interface {
	// Read blocks until the next message arrives or the connection fails.
	Read(ctx context.Context) (types.InvalidationMessage, error)

	// Close closes the connection. It unblocks a pending Read.
	Close() error
}

// Dialer opens connections presenting token on the handshake.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Handler is the single owner of the messages received by a Channel.
// Calls are made from the channel's run goroutine, one at a time and in
// arrival order.
type Handler interface {
	// HandleOpen is called every time a connection is established.
	HandleOpen()

	// HandleMessage is called for every decoded message.
	HandleMessage(msg types.InvalidationMessage)

	// HandleOffline is called once when the channel stops for good because
	// of a rejected handshake or exhausted reconnects.
	HandleOffline(err error)
}
