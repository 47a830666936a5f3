package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/webchat-proxy/internal/identity"
)

const writeTimeout = 5 * time.Second

// clientMessage is what a watcher may send.
type clientMessage struct {
	Type string `json:"type"`
}

// Handler upgrades GET /ws/jobs and streams hub events as JSON text frames.
type Handler struct {
	hub            *Hub
	allowedOrigins []string
}

// NewHandler creates a WebSocket handler over hub.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{hub: hub, allowedOrigins: allowedOrigins}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	watcherID := uuid.NewString()
	logger := h.hub.logger.With("watcher_id", watcherID, "caller", caller)

	patterns := h.allowedOrigins
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		logger.Warn("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "watch ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	events := h.hub.Subscribe(watcherID)
	defer h.hub.Unsubscribe(watcherID, events)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		h.readLoop(ctx, ws)
	}()

	if err := writeJSON(ctx, ws, Event{Type: "hello", Time: time.Now()}); err != nil {
		return
	}
	if r.URL.Query().Get("replay") == "1" {
		for _, ev := range h.hub.Recent() {
			if !visibleTo(ev, caller) {
				continue
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !visibleTo(ev, caller) {
				continue
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				logger.Debug("WebSocket write error", "error", err)
				return
			}
		}
	}
}

// visibleTo reports whether caller may see ev. Keyed callers only see their
// own jobs; anonymous watchers see everything.
func visibleTo(ev Event, caller string) bool {
	if ev.Job == nil || strings.HasPrefix(caller, identity.AnonymousPrefix) {
		return true
	}
	return ev.Job.Caller == caller
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			_ = writeJSON(ctx, ws, map[string]string{"type": "pong"})
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
