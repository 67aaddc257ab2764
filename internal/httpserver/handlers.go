package httpserver

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/chemtutor/internal/molecule"
	"github.com/chadiek/chemtutor/internal/transcript"
	"github.com/chadiek/chemtutor/internal/tts"
)

type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	Voice   string `json:"voice"`
}

func (s *Server) handleTTS(c echo.Context) error {
	if s.deps.Speaker == nil {
		return failure(c, http.StatusServiceUnavailable, "text to speech is not configured")
	}
	var req ttsRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return failure(c, http.StatusBadRequest, "text is required")
	}
	voice := req.VoiceID
	if voice == "" {
		voice = req.Voice
	}
	audio, err := s.deps.Speaker.SynthesizeVoice(c.Request().Context(), req.Text, voice)
	if err != nil {
		if errors.Is(err, tts.ErrEmptyInput) {
			return failure(c, http.StatusBadRequest, "nothing to speak")
		}
		s.logger.Error("tts failed", "err", err)
		return failure(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":      true,
		"audio_base64": base64.StdEncoding.EncodeToString(audio.Data),
		"voice":        audio.Voice,
		"mime_type":    audio.MIMEType,
	})
}

func (s *Server) handleVoices(c echo.Context) error {
	voices := []tts.Voice{}
	provider := ""
	if s.deps.Speaker != nil {
		provider = s.deps.Speaker.BackendName()
		if v := s.deps.Speaker.Voices(); v != nil {
			voices = v
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "provider": provider, "voices": voices})
}

func (s *Server) handleSTT(c echo.Context) error {
	if s.deps.Transcriber == nil {
		return failure(c, http.StatusServiceUnavailable, "speech to text is not configured")
	}
	fh, err := c.FormFile("audio")
	if err != nil {
		return failure(c, http.StatusBadRequest, "audio file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return failure(c, http.StatusBadRequest, "unreadable audio file")
	}
	defer f.Close()
	lang := c.FormValue("language")
	if lang == "" {
		lang = s.deps.STTLanguage
	}
	text, err := s.deps.Transcriber.Transcribe(c.Request().Context(), f, fh.Filename, lang)
	if err != nil {
		if errors.Is(err, transcript.ErrEmptyAudio) {
			return failure(c, http.StatusBadRequest, "empty audio")
		}
		s.logger.Error("transcription failed", "err", err, "file", fh.Filename, "size", fh.Size)
		return failure(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "transcript": text, "text": text})
}

type drawRequest struct {
	SMILES string `json:"smiles"`
	Name   string `json:"name"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *Server) handleDrawMolecule(c echo.Context) error {
	if s.deps.Resolver == nil || s.deps.Renderer == nil {
		return failure(c, http.StatusServiceUnavailable, "molecule rendering is not configured")
	}
	var req drawRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, "invalid request body")
	}
	format, err := molecule.ParseFormat(req.Format)
	if err != nil {
		return failure(c, http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := s.deps.Resolver.Resolve(ctx, req.Name, req.SMILES)
	if err != nil {
		return failure(c, http.StatusBadRequest, "Missing or invalid SMILES")
	}
	img, err := s.deps.Renderer.Render(ctx, molecule.RenderRequest{
		SMILES: res.SMILES,
		Name:   req.Name,
		Format: format,
		Width:  req.Width,
		Height: req.Height,
	})
	if err != nil {
		s.logger.Error("render failed", "smiles", res.SMILES, "err", err)
		return failure(c, http.StatusBadGateway, "rendering failed")
	}
	h := c.Response().Header()
	h.Set("X-Molecule-Source", string(res.Source))
	h.Set("X-Molecule-Smiles", res.SMILES)
	if format == molecule.FormatSVG {
		comment := "<!-- source:" + string(res.Source) + " name:" + strings.ReplaceAll(req.Name, "--", "-") + " -->\n"
		return c.Blob(http.StatusOK, img.MIMEType, append([]byte(comment), img.Data...))
	}
	return c.Blob(http.StatusOK, img.MIMEType, img.Data)
}
