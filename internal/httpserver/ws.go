package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/stream"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Auth, not origin, gates access.
		return true
	},
}

type wsMessage struct {
	Type string `json:"type,omitempty"`
	agent.TurnRequest
}

// handleWS runs one turn per client message. Events are written as the same
// JSON objects the SSE route puts in its data lines. Turns on one socket run
// sequentially; a failed write ends the turn and the socket.
func (s *Server) handleWS(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "err", err)
		return nil
	}
	defer func() { _ = conn.Close() }()
	logger := s.logger.With("ws", uuid.NewString())
	logger.Info("ws connected", "remote", c.RealIP())
	ctx := c.Request().Context()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ws read ended", "err", err)
			}
			return nil
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m wsMessage
		if err := json.Unmarshal(data, &m); err != nil {
			if werr := writeWSError(conn, "invalid message"); werr != nil {
				return nil
			}
			continue
		}
		if strings.EqualFold(m.Type, "bye") {
			return nil
		}
		var (
			writeErr error
			sent     int
		)
		sink := stream.SinkFunc(func(e stream.Event) error {
			sent++
			writeErr = conn.WriteJSON(e)
			return writeErr
		})
		out, err := s.deps.Agent.Turn(ctx, m.TurnRequest, sink)
		switch {
		case errors.Is(err, agent.ErrEmptyMessage):
			if werr := writeWSError(conn, "message is required"); werr != nil {
				return nil
			}
		case err != nil:
			logger.Warn("turn ended with error", "err", err, "state", out.State)
			// failed before the coordinator said anything
			if sent == 0 {
				if werr := writeWSError(conn, "request failed, please try again"); werr != nil {
					return nil
				}
			}
		}
		if writeErr != nil {
			logger.Debug("ws write failed", "err", writeErr)
			return nil
		}
	}
}

func writeWSError(conn *websocket.Conn, msg string) error {
	return conn.WriteJSON(stream.Event{Type: stream.TypeError, Message: msg})
}
