package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ElevenLabs synthesizes mp3 through the text-to-speech HTTP endpoint.
type ElevenLabs struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	VoiceID    string
	ModelID    string
}

// NewElevenLabs creates the backend with voiceID as the fallback voice.
func NewElevenLabs(apiKey, voiceID string) *ElevenLabs {
	return &ElevenLabs{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		BaseURL:    "https://api.elevenlabs.io",
		APIKey:     apiKey,
		VoiceID:    voiceID,
		ModelID:    "eleven_flash_v2_5",
	}
}

func (e *ElevenLabs) Name() string     { return "elevenlabs" }
func (e *ElevenLabs) MIMEType() string { return "audio/mpeg" }

// Synthesize uses voice when it is an ElevenLabs voice id, otherwise the configured one.
// OpenAI-style names like "alloy" are not ids and are ignored.
func (e *ElevenLabs) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if e.APIKey == "" {
		return nil, errors.New("elevenlabs: api key missing")
	}
	voiceID := e.VoiceID
	if len(voice) >= 20 {
		voiceID = voice
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voice id missing")
	}

	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + voiceID
	q := u.Query()
	q.Set("output_format", "mp3_44100_128")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": e.ModelID,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs http read error: %w", err)
	}
	return data, nil
}

// Voices reports only the configured voice; listing account voices needs another scope.
func (e *ElevenLabs) Voices() []Voice {
	if e.VoiceID == "" {
		return nil
	}
	return []Voice{{ID: e.VoiceID, Name: "Configured voice"}}
}
