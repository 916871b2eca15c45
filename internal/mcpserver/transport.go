package mcpserver

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// Tool calls and results are small JSON payloads; anything bigger is
	// a misbehaving client.
	maxToolMessageBytes = 256 << 10

	// Upper bound on a write when the SDK passes no deadline, so a stalled
	// agent connection cannot wedge the server side.
	defaultWriteWait = 10 * time.Second
)

// wsTransport bridges one upgraded websocket to the MCP SDK. Each agent
// connection gets its own transport; the SDK drives Read/Write.
type wsTransport struct{ conn *websocket.Conn }

func newWebSocketTransport(conn *websocket.Conn) mcp.Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	t.conn.SetReadLimit(maxToolMessageBytes)
	return &wsConnection{conn: t.conn}, nil
}

type wsConnection struct{ conn *websocket.Conn }

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(defaultWriteWait)
	}
	_ = w.conn.SetWriteDeadline(dl)
	defer w.conn.SetWriteDeadline(time.Time{})
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConnection) Close() error      { return w.conn.Close() }
func (w *wsConnection) SessionID() string { return "" }
