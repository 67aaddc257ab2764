package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// Deepgram collects websocket linear16 audio for one utterance and returns it as WAV.
type Deepgram struct {
	apiKey     string
	model      string
	sampleRate int

	// idleWindow ends the utterance once audio stops arriving.
	idleWindow time.Duration
	deadline   time.Duration
}

// NewDeepgram creates the backend. An empty model selects aura-2-thalia-en.
func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &Deepgram{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 24000,
		idleWindow: 400 * time.Millisecond,
		deadline:   12 * time.Second,
	}
}

func (d *Deepgram) Name() string     { return "deepgram" }
func (d *Deepgram) MIMEType() string { return "audio/wav" }

// Synthesize treats voice as a Deepgram model when it names one, e.g. aura-2-luna-en.
func (d *Deepgram) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, errors.New("deepgram: API key missing")
	}
	model := d.model
	if strings.HasPrefix(voice, "aura") {
		model = voice
	}

	var (
		mu       sync.Mutex
		pcm      bytes.Buffer
		lastRecv time.Time
	)
	cb := &speakCallback{onBinary: func(data []byte) error {
		mu.Lock()
		pcm.Write(data)
		lastRecv = time.Now()
		mu.Unlock()
		return nil
	}}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: d.sampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()
	if ok := dg.Connect(); !ok {
		return nil, errors.New("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return nil, fmt.Errorf("deepgram: flush: %w", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(d.deadline)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			mu.Lock()
			idle := !lastRecv.IsZero() && time.Since(lastRecv) > d.idleWindow
			n := pcm.Len()
			mu.Unlock()
			if idle {
				mu.Lock()
				out := wavFromPCM16(pcm.Bytes(), d.sampleRate)
				mu.Unlock()
				return out, nil
			}
			if time.Now().After(deadline) {
				if n == 0 {
					return nil, errors.New("deepgram: no audio before deadline")
				}
				mu.Lock()
				out := wavFromPCM16(pcm.Bytes(), d.sampleRate)
				mu.Unlock()
				return out, nil
			}
		}
	}
}

// Voices lists a few Aura 2 English models.
func (d *Deepgram) Voices() []Voice {
	return []Voice{
		{ID: "aura-2-thalia-en", Name: "Thalia"},
		{ID: "aura-2-andromeda-en", Name: "Andromeda"},
		{ID: "aura-2-apollo-en", Name: "Apollo"},
		{ID: "aura-2-luna-en", Name: "Luna"},
	}
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil && len(byMsg) > 0 {
		return s.onBinary(byMsg)
	}
	return nil
}
