// Package httpserver exposes the tutor over HTTP: streamed turns as SSE or
// websocket messages, plus speech, transcription and molecule routes.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/molecule"
	"github.com/chadiek/chemtutor/internal/transcript"
	"github.com/chadiek/chemtutor/internal/tts"
)

// Speaker synthesizes standalone utterances. *tts.Synthesizer implements it.
type Speaker interface {
	SynthesizeVoice(ctx context.Context, text, voice string) (tts.Audio, error)
	Voices() []tts.Voice
	BackendName() string
}

// Check is one component probed by /api/health.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the services behind the routes. Speaker, Transcriber, Resolver
// and Renderer may be nil; their routes then answer 503.
type Deps struct {
	Agent       *agent.Service
	Speaker     Speaker
	Transcriber transcript.Transcriber
	Resolver    *molecule.Resolver
	Renderer    molecule.Renderer
	Checks      []Check
	// AuthToken is read per request; empty disables auth.
	AuthToken   func() string
	STTLanguage string
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
	deps   Deps
	logger *log.Logger
}

// New constructs the HTTP server with routes.
func New(d Deps) *Server {
	logger := log.WithPrefix("http")
	e := newRouter(logger, d.AuthToken)
	s := &Server{Router: e, deps: d, logger: logger}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/health", s.handleHealth)

	e.POST("/api/stream-chat", s.handleStreamChat)
	e.GET("/api/ws", s.handleWS)
	e.POST("/api/chat", s.handleChat)
	e.POST("/api/rag-chat", s.handleRAGChat)

	e.GET("/api/chats/:id", s.handleHistory)
	e.DELETE("/api/chats/:id", s.handleForget)
	e.POST("/api/chats/:id/clear", s.handleClear)

	e.POST("/api/tts", s.handleTTS)
	e.GET("/api/voices", s.handleVoices)
	e.POST("/api/stt", s.handleSTT)
	e.POST("/api/draw-molecule", s.handleDrawMolecule)
	return s
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	status := "ok"
	components := make(map[string]string, len(s.deps.Checks))
	for _, chk := range s.deps.Checks {
		if err := chk.Ping(ctx); err != nil {
			components[chk.Name] = err.Error()
			status = "degraded"
			continue
		}
		components[chk.Name] = "ok"
	}
	body := map[string]any{"status": status, "components": components}
	if s.deps.Agent != nil {
		body["conversations"] = s.deps.Agent.Conversations()
	}
	return c.JSON(http.StatusOK, body)
}

func failure(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]any{"success": false, "error": msg})
}
