package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/memory"
	"github.com/chadiek/chemtutor/internal/stream"
)

// sseSink frames events as server-sent events. Headers are written with the
// first event so a turn that fails before streaming can still answer with a
// plain HTTP error.
type sseSink struct {
	res     *echo.Response
	started bool
}

func (s *sseSink) Send(e stream.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if !s.started {
		h := s.res.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.res.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.res, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

func (s *Server) handleStreamChat(c echo.Context) error {
	var req agent.TurnRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, "invalid request body")
	}
	sink := &sseSink{res: c.Response()}
	out, err := s.deps.Agent.Turn(c.Request().Context(), req, sink)
	if err != nil {
		if errors.Is(err, agent.ErrEmptyMessage) {
			return failure(c, http.StatusBadRequest, "message is required")
		}
		if !sink.started {
			s.logger.Error("turn failed", "err", err)
			return failure(c, http.StatusInternalServerError, "turn failed")
		}
		s.logger.Warn("turn ended with error", "err", err, "state", out.State)
		return nil
	}
	s.logger.Debug("turn done", "stream", out.StreamID, "state", out.State, "events", out.Events, "audio", out.AudioSent)
	return nil
}

type chatRequest struct {
	Messages []memory.Message `json:"messages"`
	Model    string           `json:"model"`
}

// handleChat streams raw tokens as plain text. A backend failure after the
// first byte is appended as "[Error: ...]".
func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Messages) == 0 {
		return failure(c, http.StatusBadRequest, "messages are required")
	}
	res := c.Response()
	started := false
	_, err := s.deps.Agent.Chat(c.Request().Context(), req.Messages, req.Model, func(frag string) error {
		if !started {
			res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
			res.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := res.Write([]byte(frag)); err != nil {
			return err
		}
		res.Flush()
		return nil
	})
	if err == nil {
		if !started {
			return c.String(http.StatusOK, "")
		}
		return nil
	}
	s.logger.Warn("chat stream failed", "err", err)
	if !started {
		res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
		res.WriteHeader(http.StatusOK)
	}
	_, _ = res.Write([]byte("\n[Error: " + err.Error() + "]"))
	return nil
}

// textSink writes a turn as plain text: fragments as they arrive, each
// directive as an "[EVENT]{json}" line, and failures as "[Error: ...]".
type textSink struct {
	res     *echo.Response
	started bool
	failed  bool
}

func (t *textSink) start() {
	if t.started {
		return
	}
	t.res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	t.res.WriteHeader(http.StatusOK)
	t.started = true
}

func (t *textSink) Send(e stream.Event) error {
	var out string
	switch e.Type {
	case stream.TypeText:
		out = e.Text
	case stream.TypeDirective:
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		out = "\n[EVENT]" + string(data) + "\n"
	case stream.TypeError:
		t.failed = true
		out = "\n[Error: " + e.Message + "]"
	default:
		return nil
	}
	t.start()
	if _, err := t.res.Write([]byte(out)); err != nil {
		return err
	}
	t.res.Flush()
	return nil
}

type ragChatRequest struct {
	ChatID   string           `json:"chat_id"`
	Message  string           `json:"message"`
	Messages []memory.Message `json:"messages"`
	Model    string           `json:"model"`
}

// query is Message, or else the latest user message in Messages.
func (r ragChatRequest) query() string {
	if r.Message != "" {
		return r.Message
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == memory.RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// handleRAGChat is the plain-text form of a tutor turn: same memory,
// retrieval and sources footer as the event stream, without audio.
func (s *Server) handleRAGChat(c echo.Context) error {
	var req ragChatRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, "invalid request body")
	}
	sink := &textSink{res: c.Response()}
	out, err := s.deps.Agent.Turn(c.Request().Context(), agent.TurnRequest{
		ChatID:  req.ChatID,
		Message: req.query(),
		Model:   req.Model,
		NoAudio: true,
	}, sink)
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return failure(c, http.StatusBadRequest, "message is required")
	case err != nil:
		s.logger.Warn("rag chat ended with error", "err", err, "state", out.State)
		if !sink.failed {
			sink.start()
			_, _ = c.Response().Write([]byte("\n[Error: " + err.Error() + "]"))
		}
		return nil
	}
	if !sink.started {
		return c.String(http.StatusOK, "")
	}
	return nil
}

func (s *Server) handleHistory(c echo.Context) error {
	id := c.Param("id")
	hist := s.deps.Agent.History(id)
	if hist == nil {
		return failure(c, http.StatusNotFound, "unknown chat")
	}
	summary, _ := s.deps.Agent.Summary(id)
	return c.JSON(http.StatusOK, map[string]any{"success": true, "chat_id": id, "messages": hist, "summary": summary})
}

func (s *Server) handleForget(c echo.Context) error {
	removed := s.deps.Agent.Forget(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (s *Server) handleClear(c echo.Context) error {
	if err := s.deps.Agent.Clear(c.Request().Context(), c.Param("id")); err != nil {
		return failure(c, http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}
