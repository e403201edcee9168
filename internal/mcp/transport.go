package mcp

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duplex-voice-agent/internal/logging"
)

// maxMessageBytes caps one inbound JSON-RPC message. Tool schemas and
// results for a phone call are small.
const maxMessageBytes = 1 << 20

// wsTransport implements sdk.Transport for a single websocket.Conn. The same
// framing serves both ends: one JSON-RPC message per binary frame.
type wsTransport struct {
	conn *websocket.Conn
	peer string
}

// NewWebSocketTransport wraps an established websocket connection. peer
// names the other end in logs.
func NewWebSocketTransport(conn *websocket.Conn, peer string) sdk.Transport {
	return &wsTransport{conn: conn, peer: peer}
}

func (t *wsTransport) Connect(context.Context) (sdk.Connection, error) {
	t.conn.SetReadLimit(maxMessageBytes)
	c := &wsConnection{conn: t.conn, peer: t.peer, id: uuid.NewString()}
	logging.Debugw("mcp: websocket connection open", c.fields()...)
	return c, nil
}

type wsConnection struct {
	conn *websocket.Conn
	peer string
	id   string

	// gorilla allows one concurrent writer
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	received atomic.Int64
	sent     atomic.Int64
}

func (w *wsConnection) fields() []interface{} {
	return []interface{}{"mcp.connection", w.id, "peer", w.peer}
}

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		// a peer hanging up, or our own Close, ends the session cleanly
		if w.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	w.received.Add(1)
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		logging.Debugw("mcp: undecodable websocket message", append(w.fields(), "bytes", len(data), "err", err)...)
		return nil, err
	}
	return msg, nil
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return errors.New("mcp: websocket connection closed")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	w.sent.Add(1)
	return nil
}

// Close sends a normal close frame and releases the socket. Idempotent.
func (w *wsConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
		logging.Debugw("mcp: websocket connection closed", append(w.fields(), "received", w.received.Load(), "sent", w.sent.Load())...)
	})
	return err
}

func (w *wsConnection) SessionID() string { return w.id }
