package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/autosage/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsRequest is one chat turn sent by a websocket client.
type wsRequest struct {
	Prompt string `json:"prompt"`
}

// wsFrame carries one session event, or a terminal agent_done/error.
type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type wsChat struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
}

// handleChatWebsocket serves sequential chat turns over one connection.
func (s *Server) handleChatWebsocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sessions.Get(id); !ok {
		writeSessionNotFound(w, id)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	chat := &wsChat{server: s, conn: conn, sessionID: id}
	defer conn.Close()
	chat.readLoop(context.WithoutCancel(r.Context()))
}

func (c *wsChat) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Prompt) == "" {
			if c.writeFrame(models.StreamEventError, models.NewErrorEnvelope(models.ErrInvalidRequest, `expected {"prompt": "..."}`, nil)) != nil {
				return
			}
			continue
		}
		if !c.run(ctx, req.Prompt) {
			return
		}
		// A run may take longer than the read deadline.
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	}
}

// run executes one turn and reports whether the connection is still usable.
func (c *wsChat) run(ctx context.Context, prompt string) bool {
	s := c.server
	reply, err := s.orchestrator.Run(ctx, c.sessionID, prompt, c)
	if err != nil {
		_, info := runError(err)
		s.metrics.RecordStreamEvent(models.StreamEventError)
		return c.writeFrame(models.StreamEventError, models.ErrorEnvelope{Error: info}) == nil
	}
	s.metrics.RecordStreamEvent(models.StreamEventDone)
	return c.writeFrame(models.StreamEventDone, doneEvent{
		SessionID: c.sessionID,
		Reply:     reply.Reply,
		ToolCalls: len(reply.ToolCalls),
	}) == nil
}

// Emit implements orchestrator.Sink.
func (c *wsChat) Emit(_ context.Context, ev models.SessionEvent) error {
	return c.writeFrame(string(ev.Type), ev)
}

func (c *wsChat) writeFrame(event string, data any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteJSON(wsFrame{Event: event, Data: data})
}
