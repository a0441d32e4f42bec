package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsInbound is a client frame: either a chat message or a confirmation.
type wsInbound struct {
	Text    string          `json:"text,omitempty"`
	Confirm *confirmRequest `json:"confirm,omitempty"`
}

type wsSession struct {
	server         *Server
	conn           *websocket.Conn
	conversationID string
	send           chan []byte
	ctx            context.Context
	cancel         context.CancelFunc
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// handleWebsocket upgrades to a chat stream bound to one conversation.
// Frames are handled one at a time; each answers with the turn's chunks.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	session := &wsSession{
		server:         s,
		conn:           conn,
		conversationID: id,
		send:           make(chan []byte, wsSendBuffer),
		ctx:            ctx,
		cancel:         cancel,
	}
	session.run()
}

func (ws *wsSession) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.writeLoop()
	}()
	ws.readLoop()
	ws.cancel()
	<-done
	_ = ws.conn.Close()
}

func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(wsMaxPayloadBytes)
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		// A turn may outlast the pong window, so the deadline restarts
		// after each frame is handled.
		_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsInbound
		if err := json.Unmarshal(data, &frame); err != nil {
			ws.sendError("invalid frame: " + err.Error())
			continue
		}
		if err := ws.handleFrame(frame); err != nil {
			ws.sendError(err.Error())
		}
	}
}

func (ws *wsSession) handleFrame(frame wsInbound) error {
	runner := ws.server.runner
	var msg *models.Message
	switch {
	case frame.Confirm != nil:
		c := frame.Confirm
		if strings.TrimSpace(c.ToolCallID) == "" {
			return errors.New("tool_call_id is required")
		}
		if err := runner.Confirm(ws.ctx, ws.conversationID, c.ToolCallID, c.Approved, c.DecidedBy); err != nil {
			return err
		}
	case strings.TrimSpace(frame.Text) != "":
		msg = models.NewTextMessage(models.RoleUser, frame.Text)
	default:
		return errors.New("frame must carry text or confirm")
	}

	chunks, err := runner.Run(ws.ctx, ws.conversationID, msg)
	if err != nil {
		return err
	}
	ws.forward(chunks)
	return nil
}

// forward relays every chunk of a turn. The channel is drained even when the
// connection is gone.
func (ws *wsSession) forward(chunks <-chan *agent.ResponseChunk) {
	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			ws.server.logger.Warn("encode chunk failed", "error", err)
			continue
		}
		ws.enqueue(data)
	}
}

func (ws *wsSession) enqueue(data []byte) {
	select {
	case ws.send <- data:
	case <-ws.ctx.Done():
	}
}

func (ws *wsSession) sendError(message string) {
	data, err := json.Marshal(errorResponse{Error: message})
	if err != nil {
		return
	}
	ws.enqueue(data)
}

func (ws *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.ctx.Done():
			ws.flushPending()
			_ = ws.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case msg := <-ws.send:
			if err := ws.write(websocket.TextMessage, msg); err != nil {
				ws.cancel()
				return
			}
		case <-ticker.C:
			if err := ws.write(websocket.PingMessage, nil); err != nil {
				ws.cancel()
				return
			}
		}
	}
}

// flushPending writes frames queued before shutdown.
func (ws *wsSession) flushPending() {
	for {
		select {
		case msg := <-ws.send:
			if ws.write(websocket.TextMessage, msg) != nil {
				return
			}
		default:
			return
		}
	}
}

func (ws *wsSession) write(messageType int, data []byte) error {
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return ws.conn.WriteMessage(messageType, data)
}
