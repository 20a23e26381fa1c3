package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"media-edge/internal/cache"
	"media-edge/internal/lifecycle"
)

// writeWait bounds a single websocket write to a page.
const writeWait = 10 * time.Second

// UpdateHandler is the page side of the update channel: event stream,
// command intake and lifecycle introspection.
type UpdateHandler struct {
	coord    *lifecycle.Coordinator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewUpdateHandler creates an UpdateHandler.
func NewUpdateHandler(coord *lifecycle.Coordinator, logger *slog.Logger) *UpdateHandler {
	return &UpdateHandler{
		coord: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "update_handler"),
	}
}

// Events upgrades to a websocket. The connection counts as a controlled page
// until it closes. Outbound frames are JSON events, inbound frames JSON
// commands.
func (h *UpdateHandler) Events(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", "err", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	ctx := c.Request().Context()

	events, cancel := h.coord.Subscribe()
	defer cancel()
	detach := h.coord.Attach()
	defer detach(context.WithoutCancel(ctx))

	if gen := h.coord.Waiting(); gen != "" {
		if err := h.write(conn, lifecycle.Event{Type: lifecycle.EventUpdateAvailable, Generation: gen}); err != nil {
			return nil
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readCommands(ctx, conn)
	}()

	for {
		select {
		case <-done:
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.write(conn, e); err != nil {
				h.logger.Debug("websocket write failed", "err", err)
				return nil
			}
		}
	}
}

func (h *UpdateHandler) readCommands(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd lifecycle.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug("ignoring malformed command", "err", err)
			continue
		}
		if err := h.coord.HandleCommand(ctx, cmd); err != nil {
			h.logger.Debug("command failed", "type", cmd.Type, "err", err)
		}
	}
}

func (h *UpdateHandler) write(conn *websocket.Conn, e lifecycle.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

// Messages accepts one JSON command.
func (h *UpdateHandler) Messages(c echo.Context) error {
	var cmd lifecycle.Command
	if err := json.NewDecoder(c.Request().Body).Decode(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid command body",
		})
	}

	if err := h.coord.HandleCommand(c.Request().Context(), cmd); err != nil {
		if errors.Is(err, lifecycle.ErrUnknownCommand) {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "unknown command type",
			})
		}
		h.logger.Error("command failed", "type", cmd.Type, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "command failed",
		})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"status": "accepted",
	})
}

// State reports the lifecycle state of every known generation.
func (h *UpdateHandler) State(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coord.Snapshot())
}

// Reload re-reads the manifest and installs its generation if it is new.
func (h *UpdateHandler) Reload(c echo.Context) error {
	gen, changed, err := h.coord.Reload(c.Request().Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrPopulate) {
			status = http.StatusBadGateway
		}
		h.logger.Error("reload failed", "generation", gen, "err", sanitizeError(err))
		return c.JSON(status, map[string]string{
			"error":      "reload failed",
			"generation": gen,
		})
	}

	status := http.StatusOK
	if changed {
		status = http.StatusAccepted
	}
	return c.JSON(status, map[string]string{
		"generation": gen,
		"active":     h.coord.Active(),
		"waiting":    h.coord.Waiting(),
	})
}
