package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/terra-clan/outpost-engine/internal/provider"
	"github.com/terra-clan/outpost-engine/internal/terminal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TerminalMessage is the websocket frame exchanged with terminal clients
type TerminalMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleTerminalWS bridges a websocket to an interactive shell session
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	client := ClientFromContext(r.Context())
	sandboxID := chi.URLParam(r, "id")

	session, err := s.terminals.OpenSession(r.Context(), client.OwnerID, sandboxID)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrNotFound):
			respondError(w, http.StatusNotFound, "not_found", "sandbox not found")
		case errors.Is(err, terminal.ErrSandboxNotReady):
			respondError(w, http.StatusConflict, "not_ready", "sandbox is not ready")
		case errors.Is(err, terminal.ErrNoShellSupport):
			respondError(w, http.StatusBadRequest, "no_shell", "this provider does not support terminals")
		case errors.Is(err, terminal.ErrSessionLimit):
			respondError(w, http.StatusTooManyRequests, "session_limit", "too many open terminal sessions")
		default:
			slog.Error("failed to open terminal session", "error", err, "sandbox_id", sandboxID)
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to open terminal")
		}
		return
	}
	defer s.terminals.CloseSession(session.ID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("terminal websocket connected", "sandbox_id", sandboxID, "session_id", session.ID)

	resizeCtx := context.Background()

	// Initial terminal size (80x24 default)
	if err := session.Resize(resizeCtx, 24, 80); err != nil {
		slog.Warn("failed to set initial terminal size", "error", err)
	}

	s.sendTerminalMessage(conn, TerminalMessage{
		Type: "connected",
		Data: "Connected to sandbox terminal",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Read from shell -> send to WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, 4096)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				n, err := session.Read(buf)
				if err != nil {
					if err != io.EOF {
						slog.Debug("shell read error", "error", err)
					}
					return
				}
				if n > 0 {
					if err := s.sendTerminalMessage(conn, TerminalMessage{
						Type: "output",
						Data: string(buf[:n]),
					}); err != nil {
						return
					}
				}
			}
		}
	}()

	// Read from WebSocket -> send to shell
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			default:
				_, message, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						slog.Debug("websocket read error", "error", err)
					}
					return
				}

				var msg TerminalMessage
				if err := json.Unmarshal(message, &msg); err != nil {
					slog.Debug("invalid message format", "error", err)
					continue
				}

				switch msg.Type {
				case "input":
					session.Write([]byte(msg.Data))
				case "resize":
					if msg.Cols > 0 && msg.Rows > 0 {
						if err := session.Resize(resizeCtx, uint(msg.Rows), uint(msg.Cols)); err != nil {
							slog.Debug("failed to resize terminal", "error", err, "cols", msg.Cols, "rows", msg.Rows)
						}
					}
				}
			}
		}
	}()

	wg.Wait()
	slog.Info("terminal websocket disconnected", "sandbox_id", sandboxID, "session_id", session.ID)
}

func (s *Server) sendTerminalMessage(conn *websocket.Conn, msg TerminalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal terminal message", "error", err)
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("failed to send terminal message", "error", err)
		return err
	}
	return nil
}
