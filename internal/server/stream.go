package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

// SnapshotEvent is the SSE event name carrying a run snapshot.
const SnapshotEvent = "snapshot"

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Runs are readable from any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleEvents handles GET /v1/runs/{id}/events. It streams one SSE frame
// per committed snapshot and ends after the terminal one.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "run_id", id)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, domain.ErrServer("Streaming not supported"))
		return
	}

	updates, err := h.runs.Subscribe(r.Context(), id)
	if err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range updates {
		if err := h.sendSSEEvent(w, flusher, SnapshotEvent, snap); err != nil {
			// Client went away; the subscription ends with the request context.
			return
		}
	}
}

func (h *Handler) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE event", slog.String("error", err.Error()))
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// HandleWebSocket handles GET /v1/runs/{id}/ws. Each committed snapshot is
// sent as one JSON text message; the server closes normally after the
// terminal snapshot.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "run_id", id)

	// Resolve the run before upgrading so unknown ids get a JSON 404.
	if _, err := h.runs.Status(id); err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		AddError(r.Context(), err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// Reads only detect the peer closing; clients send nothing else.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, err := h.runs.Subscribe(ctx, id)
	if err != nil {
		h.closeWebSocket(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}

	for snap := range updates {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			h.logger.Debug("websocket write failed",
				slog.String("run_id", id),
				slog.String("error", err.Error()))
			return
		}
	}

	if ctx.Err() == nil {
		h.closeWebSocket(conn, websocket.CloseNormalClosure, "run finished")
	}
}

func (h *Handler) closeWebSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout)); err != nil {
		h.logger.Debug("websocket close failed", slog.String("error", err.Error()))
	}
}
