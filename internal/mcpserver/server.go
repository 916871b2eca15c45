// Package mcpserver exposes the workout session as MCP tools over a
// websocket endpoint, so agent clients can drive the mirror the same way
// voice commands do.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/smartmirror-lab/internal/logging"
	"github.com/smartmirror-lab/internal/session"
)

// Server wraps an mcp.Server bound to the session manager.
type Server struct {
	manager  *session.Manager
	mcp      *mcp.Server
	upgrader websocket.Upgrader
}

func New(manager *session.Manager) *Server {
	s := &Server{
		manager:  manager,
		mcp:      mcp.NewServer(&mcp.Implementation{Name: "smart-mirror", Version: "v1.0.0"}, nil),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.registerTools()
	return s
}

type startArgs struct {
	Exercise string `json:"exercise,omitempty"`
	Resume   bool   `json:"resume,omitempty"`
}

type exerciseArgs struct {
	Exercise string `json:"exercise"`
	Reset    bool   `json:"reset,omitempty"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_start",
		Description: "Start a workout session, or resume a paused one when resume is set.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args startArgs) (*mcp.CallToolResult, any, error) {
		v, err := s.manager.Start(session.StartOptions{
			Exercise:    args.Exercise,
			ResetTotals: !args.Resume,
			Resume:      args.Resume,
		})
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(viewPayload(v))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_pause",
		Description: "Pause the active workout session.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		v, err := s.manager.Pause()
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(viewPayload(v))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_stop",
		Description: "Stop the workout session and return its summary.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		sum, err := s.manager.Stop()
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(summaryPayload(sum))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_status",
		Description: "Report the current session status and durations.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		return jsonResult(viewPayload(s.manager.Status()))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "switch_exercise",
		Description: "Change the tracked exercise, optionally resetting its rep count.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args exerciseArgs) (*mcp.CallToolResult, any, error) {
		v, err := s.manager.SwitchExercise(args.Exercise, args.Reset)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(viewPayload(v))
	})
}

func viewPayload(v session.View) map[string]interface{} {
	p := map[string]interface{}{
		"status":              string(v.Status),
		"exercise":            v.Exercise,
		"duration_total_sec":  v.DurationTotal.Seconds(),
		"duration_active_sec": v.DurationActive.Seconds(),
	}
	if v.SessionID != "" {
		p["session_id"] = v.SessionID
	}
	if v.Resumed {
		p["resumed"] = true
	}
	return p
}

func summaryPayload(sum session.Summary) map[string]interface{} {
	return map[string]interface{}{
		"session_id":          sum.SessionID,
		"exercise":            sum.Exercise,
		"duration_total_sec":  sum.DurationTotal.Seconds(),
		"duration_active_sec": sum.DurationActive.Seconds(),
		"total_reps":          sum.TotalReps,
		"rep_breakdown":       sum.RepBreakdown,
		"avg_quality":         sum.AvgQuality,
		"avg_heart_rate":      sum.AvgHeartRate,
		"max_heart_rate":      sum.MaxHeartRate,
	}
}

func jsonResult(payload map[string]interface{}) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, payload, nil
}

// errorResult maps lifecycle errors to tool errors instead of protocol
// failures, so the agent sees a readable message.
func errorResult(err error) (*mcp.CallToolResult, any, error) {
	if errors.Is(err, session.ErrNoActiveSession) || errors.Is(err, session.ErrMissingField) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil, nil
	}
	return nil, nil, err
}

// Handler upgrades incoming requests and binds each websocket to the MCP
// server. Mount it on the main mux at /mcp/ws.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp upgrade failed", "error", err)
			return
		}
		t := newWebSocketTransport(conn)
		go func() {
			sess, err := s.mcp.Connect(context.Background(), t, nil)
			if err != nil {
				logging.Errorw("mcp connect failed", "error", err)
				_ = conn.Close()
				return
			}
			logging.Infow("mcp session opened", "remote", r.RemoteAddr)
			if err := sess.Wait(); err != nil {
				logging.Infow("mcp session ended", "remote", r.RemoteAddr, "error", err)
				return
			}
			logging.Infow("mcp session ended", "remote", r.RemoteAddr)
		}()
	}
}
