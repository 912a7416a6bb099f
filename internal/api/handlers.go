package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codeblocks/internal/dispatch"
	"codeblocks/internal/metrics"
	"codeblocks/internal/models"
	"codeblocks/internal/session"
	"codeblocks/internal/store"
	"codeblocks/internal/utils"
)

const maxMessageSize = 64 * 1024

// Dispatcher is the part of dispatch.Dispatcher the socket loop drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, frame models.InboundFrame) error
	Disconnect(connID string) <-chan error
}

type Handlers struct {
	log        *zap.Logger
	store      store.RoomStore
	hub        *session.Hub
	dispatcher Dispatcher
	timeout    time.Duration
	upgrader   websocket.Upgrader
}

func NewHandlers(log *zap.Logger, st store.RoomStore, hub *session.Hub, d Dispatcher, timeout time.Duration, allowedOrigins []string) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		log:        log,
		store:      st,
		hub:        hub,
		dispatcher: d,
		timeout:    timeout,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	_, err := store.Call(r.Context(), h.timeout, true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.store.Ping(ctx)
	})
	if err != nil {
		h.log.Warn("readiness check failed", zap.Error(err))
		utils.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "room store is not reachable")
		return
	}
	_, _ = w.Write([]byte("ready"))
}

/*** Catalog: read-only code block listing for the lobby ***/

func (h *Handlers) ListCodeBlocks(w http.ResponseWriter, r *http.Request) {
	rooms, err := store.Call(r.Context(), h.timeout, true, func(ctx context.Context) ([]models.Room, error) {
		return h.store.List(ctx)
	})
	if err != nil {
		h.log.Error("list code blocks", zap.Error(err))
		utils.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "could not load code blocks")
		return
	}
	items := make([]models.CodeBlockView, 0, len(rooms))
	for i := range rooms {
		items = append(items, rooms[i].View())
	}
	utils.JSON(w, http.StatusOK, models.CodeBlocksResponse{Total: len(items), Items: items})
}

func (h *Handlers) GetCodeBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	room, err := store.Call(r.Context(), h.timeout, true, func(ctx context.Context) (*models.Room, error) {
		return h.store.Get(ctx, id)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.Error(w, http.StatusNotFound, "NOT_FOUND", "code block not found")
		return
	case err != nil:
		h.log.Error("get code block", zap.String("id", id), zap.Error(err))
		utils.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "could not load code block")
		return
	}
	utils.JSON(w, http.StatusOK, room.View())
}

/*** Room WebSocket: join, edit, disconnect ***/

func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := session.NewClient(conn)
	h.hub.Register(client)
	go client.WritePump()
	h.log.Info("connection opened", zap.String("conn", client.ID))

	defer func() {
		h.hub.Unregister(client.ID)
		h.dispatcher.Disconnect(client.ID)
		h.log.Info("connection closed", zap.String("conn", client.ID))
	}()

	client.PrepareRead(maxMessageSize)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.String("conn", client.ID), zap.Error(err))
			}
			return
		}

		var frame models.InboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			metrics.Rejected.WithLabelValues("bad_json").Inc()
			h.hub.SendTo(client.ID, models.ErrorFrame("Malformed message"))
			continue
		}
		if err := h.dispatcher.Dispatch(r.Context(), client.ID, frame); errors.Is(err, dispatch.ErrClosed) {
			return
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
