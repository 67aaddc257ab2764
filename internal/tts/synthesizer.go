// Package tts turns finished sentences into whole-utterance audio.
package tts

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/truncate"
	"golang.org/x/time/rate"

	"github.com/chadiek/chemtutor/internal/cache"
)

const (
	// DefaultMaxChars is the hard ceiling on text sent to a backend.
	DefaultMaxChars = 4000
	// DefaultMinChars is the shortest normalized text worth speaking.
	DefaultMinChars = 10
	ellipsis        = "..."
)

// ErrEmptyInput means nothing speakable was left after normalization.
var ErrEmptyInput = errors.New("tts: empty input after normalization")

// SynthesisError wraps any failure to produce audio for one utterance.
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	if e.Backend == "" {
		return "tts: " + e.Err.Error()
	}
	return fmt.Sprintf("tts %s: %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Backend is a whole-utterance speech service.
type Backend interface {
	Name() string
	MIMEType() string
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Voice describes a selectable voice.
type Voice struct {
	ID          string `json:"voice_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// VoiceLister is implemented by backends that can enumerate voices.
type VoiceLister interface {
	Voices() []Voice
}

// Audio is one synthesized utterance.
type Audio struct {
	Data     []byte
	MIMEType string
	Voice    string
	// Text is the normalized text actually spoken.
	Text string
}

// Synthesizer normalizes text, picks a voice, and calls the backend with
// caching and rate limiting. It is safe for concurrent use.
type Synthesizer struct {
	backend  Backend
	policy   VoicePolicy
	maxChars int
	minChars int
	limiter  *rate.Limiter
	cache    cache.Tier
	logger   *log.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithVoicePolicy replaces the default script-based voice choice.
func WithVoicePolicy(p VoicePolicy) Option { return func(s *Synthesizer) { s.policy = p } }

// WithMaxChars sets the truncation ceiling.
func WithMaxChars(n int) Option { return func(s *Synthesizer) { s.maxChars = n } }

// WithMinChars sets the Speakable threshold.
func WithMinChars(n int) Option { return func(s *Synthesizer) { s.minChars = n } }

// WithRateLimit bounds backend calls per second. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Synthesizer) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithCache stores synthesized audio keyed by backend, voice and text.
func WithCache(c cache.Tier) Option { return func(s *Synthesizer) { s.cache = c } }

// New builds a Synthesizer over backend.
func New(backend Backend, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		backend:  backend,
		policy:   DefaultVoicePolicy(),
		maxChars: DefaultMaxChars,
		minChars: DefaultMinChars,
		logger:   log.WithPrefix("tts"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}


// Speakable reports whether text is long enough after normalization to be worth a backend call.
func (s *Synthesizer) Speakable(text string) bool {
	return utf8.RuneCountInString(Normalize(text)) >= s.minChars
}

// Synthesize speaks text with the voice chosen by the policy.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	return s.SynthesizeVoice(ctx, text, "")
}

// SynthesizeVoice speaks text with voice, or the policy's choice when voice is empty.
func (s *Synthesizer) SynthesizeVoice(ctx context.Context, text, voice string) (Audio, error) {
	clean := Normalize(text)
	if clean == "" {
		return Audio{}, &SynthesisError{Backend: s.backend.Name(), Err: ErrEmptyInput}
	}
	if n := utf8.RuneCountInString(clean); n > s.maxChars {
		clean = string([]rune(clean)[:s.maxChars]) + ellipsis
		s.logger.Warn("text truncated", "from", n, "to", s.maxChars)
	}
	if voice == "" {
		voice = s.policy(clean)
	}

	key := cache.Key(s.backend.Name(), voice, clean)
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			s.logger.Debug("cache hit", "voice", voice, "text", truncate.StringWithTail(clean, 48, "…"))
			return Audio{Data: data, MIMEType: s.backend.MIMEType(), Voice: voice, Text: clean}, nil
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Audio{}, &SynthesisError{Backend: s.backend.Name(), Err: err}
		}
	}
	data, err := s.backend.Synthesize(ctx, clean, voice)
	if err != nil {
		return Audio{}, &SynthesisError{Backend: s.backend.Name(), Err: err}
	}
	if len(data) == 0 {
		return Audio{}, &SynthesisError{Backend: s.backend.Name(), Err: errors.New("empty audio payload")}
	}
	if s.cache != nil {
		if err := s.cache.Put(key, data); err != nil {
			s.logger.Warn("cache put failed", "err", err)
		}
	}
	s.logger.Debug("synthesized", "voice", voice, "size", humanize.Bytes(uint64(len(data))),
		"text", truncate.StringWithTail(clean, 48, "…"))
	return Audio{Data: data, MIMEType: s.backend.MIMEType(), Voice: voice, Text: clean}, nil
}

// Voices lists the backend's voices, or nil when it cannot enumerate them.
func (s *Synthesizer) Voices() []Voice {
	if vl, ok := s.backend.(VoiceLister); ok {
		return vl.Voices()
	}
	return nil
}

// BackendName identifies the configured backend.
func (s *Synthesizer) BackendName() string { return s.backend.Name() }
