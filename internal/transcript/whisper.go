// Package transcript converts recorded speech to text.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var ErrEmptyAudio = errors.New("transcript: empty audio")

// Transcriber turns one recorded clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename, language string) (string, error)
}

// Whisper uses the OpenAI transcription endpoint.
type Whisper struct {
	client openai.Client
	model  openai.AudioModel
}

func NewWhisper(apiKey string, opts ...option.RequestOption) *Whisper {
	base := []option.RequestOption{option.WithAPIKey(apiKey)}
	return &Whisper{client: openai.NewClient(append(base, opts...)...), model: openai.AudioModelWhisper1}
}

// Transcribe sends the clip as-is. filename only informs the container type;
// browsers record webm by default.
func (w *Whisper) Transcribe(ctx context.Context, audio io.Reader, filename, language string) (string, error) {
	if audio == nil {
		return "", ErrEmptyAudio
	}
	if filename == "" {
		filename = "audio.webm"
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(audio, filename, mimeFor(filename)),
		Model: w.model,
	}
	if language != "" {
		params.Language = openai.String(language)
	}
	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	log.Debug("whisper: transcribed", "file", filename, "chars", len(text))
	return text, nil
}

func mimeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav":
		return "audio/wav"
	case ".mp3", ".mpeg", ".mpga":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".ogg", ".oga":
		return "audio/ogg"
	default:
		return "audio/webm"
	}
}
