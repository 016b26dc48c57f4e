package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/coder/websocket"
)

// ErrClosed is returned by [Transport] methods once the connection is gone,
// whether the client hung up or Close was called.
var ErrClosed = errors.New("gateway: transport closed")

// MessageKind distinguishes the two WebSocket data frame types.
type MessageKind int

const (
	// MessageText carries a JSON control message.
	MessageText MessageKind = iota + 1
	// MessageBinary carries a protocol frame.
	MessageBinary
)

// String implements fmt.Stringer.
func (k MessageKind) String() string {
	switch k {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one message received from the client.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Transport is the client connection as seen by a [Session]. Implementations
// must allow Receive to run concurrently with the Send methods, and must
// serialise concurrent sends.
type Transport interface {
	// Receive blocks until the next message arrives. It returns [ErrClosed]
	// when the connection ended normally.
	Receive(ctx context.Context) (Message, error)

	// SendText writes a text message.
	SendText(ctx context.Context, text string) error

	// SendBinary writes a binary message.
	SendBinary(ctx context.Context, data []byte) error

	// Close closes the connection with a human-readable reason. Calling it
	// more than once is safe.
	Close(reason string) error
}

// wsTransport adapts a coder/websocket connection to [Transport].
type wsTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport wraps an accepted WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Receive(ctx context.Context) (Message, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		if isClosed(err) {
			return Message{}, ErrClosed
		}
		return Message{}, fmt.Errorf("gateway: read: %w", err)
	}
	kind := MessageBinary
	if typ == websocket.MessageText {
		kind = MessageText
	}
	return Message{Kind: kind, Data: data}, nil
}

func (t *wsTransport) SendText(ctx context.Context, text string) error {
	return t.write(ctx, websocket.MessageText, []byte(text))
}

func (t *wsTransport) SendBinary(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.MessageBinary, data)
}

func (t *wsTransport) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, typ, data); err != nil {
		if isClosed(err) {
			return ErrClosed
		}
		return fmt.Errorf("gateway: write: %w", err)
	}
	return nil
}

// maxCloseReason is the longest reason a close frame can carry.
const maxCloseReason = 123

func (t *wsTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		err := t.conn.Close(websocket.StatusNormalClosure, reason)
		if err != nil && !isClosed(err) {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}
