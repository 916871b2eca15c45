package mcpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/smartmirror-lab/internal/session"
)

func dialSession(t *testing.T) *sdk.ClientSession {
	t.Helper()
	manager := session.NewManager(session.Deps{})
	srv := httptest.NewServer(New(manager).Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "test"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	sess, err := client.Connect(ctx, newWebSocketTransport(conn), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func callTool(t *testing.T, sess *sdk.ClientSession, name string, args map[string]any) *sdk.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return res
}

func toolText(t *testing.T, res *sdk.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content items = %d, want 1", len(res.Content))
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("content type = %T", res.Content[0])
	}
	return text.Text
}

func TestSessionToolsLifecycle(t *testing.T) {
	sess := dialSession(t)

	res := callTool(t, sess, "session_start", map[string]any{"exercise": "pushup"})
	var view map[string]interface{}
	if err := json.Unmarshal([]byte(toolText(t, res)), &view); err != nil {
		t.Fatalf("decode start payload: %v", err)
	}
	if view["status"] != "active" || view["exercise"] != "pushup" {
		t.Errorf("start view = %v", view)
	}

	res = callTool(t, sess, "session_status", nil)
	json.Unmarshal([]byte(toolText(t, res)), &view)
	if view["status"] != "active" {
		t.Errorf("status view = %v", view)
	}

	res = callTool(t, sess, "switch_exercise", map[string]any{"exercise": "crunch"})
	json.Unmarshal([]byte(toolText(t, res)), &view)
	if view["exercise"] != "crunch" {
		t.Errorf("switch view = %v", view)
	}

	res = callTool(t, sess, "session_pause", nil)
	json.Unmarshal([]byte(toolText(t, res)), &view)
	if view["status"] != "paused" {
		t.Errorf("pause view = %v", view)
	}

	res = callTool(t, sess, "session_stop", nil)
	var summary map[string]interface{}
	json.Unmarshal([]byte(toolText(t, res)), &summary)
	if summary["exercise"] != "crunch" {
		t.Errorf("summary = %v", summary)
	}
}

func TestLifecycleErrorsAreToolErrors(t *testing.T) {
	sess := dialSession(t)

	res := callTool(t, sess, "session_pause", nil)
	if !res.IsError {
		t.Fatal("pause without session should be a tool error")
	}
	if got := toolText(t, res); !strings.Contains(got, "no active session") {
		t.Errorf("error text = %q", got)
	}

	res = callTool(t, sess, "switch_exercise", map[string]any{"exercise": ""})
	if !res.IsError {
		t.Error("blank exercise should be a tool error")
	}
}
