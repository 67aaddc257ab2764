package tts

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI synthesizes mp3 through the audio/speech endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates the backend. An empty model selects tts-1.
func NewOpenAI(apiKey, model string, opts ...option.RequestOption) *OpenAI {
	if model == "" {
		model = "tts-1"
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAI) Name() string     { return "openai" }
func (o *OpenAI) MIMEType() string { return "audio/mpeg" }

func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai speech: read body: %w", err)
	}
	return data, nil
}

// Voices returns the built-in speech voices.
func (o *OpenAI) Voices() []Voice {
	return []Voice{
		{ID: "alloy", Name: "Alloy", Description: "Neutral, balanced voice"},
		{ID: "echo", Name: "Echo", Description: "Clear, confident voice"},
		{ID: "fable", Name: "Fable", Description: "Warm, engaging voice"},
		{ID: "onyx", Name: "Onyx", Description: "Deep, authoritative voice"},
		{ID: "nova", Name: "Nova", Description: "Friendly, expressive voice"},
		{ID: "shimmer", Name: "Shimmer", Description: "Soft, melodic voice"},
	}
}
