package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chadiek/chemtutor/internal/memory"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic streams from the Messages API. System messages, including the
// retrieval context, are joined into the top-level system prompt.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates the generator. An empty apiKey falls back to ANTHROPIC_API_KEY.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}
}

func (a *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	var system []string
	var conv []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case memory.RoleSystem:
			system = append(system, m.Content)
		case memory.RoleAssistant:
			conv = append(conv, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			conv = append(conv, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Messages:    conv,
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	stream := a.client.Messages.NewStreaming(ctx, params)
	s := &anthropicStream{stream: stream}
	// surface connection failures as a start error
	frag, err := s.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = stream.Close()
		return nil, err
	}
	s.first, s.firstErr, s.primed = frag, err, true
	return s, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	primed   bool
	first    string
	firstErr error
}

func (s *anthropicStream) Next() (string, error) {
	if s.primed {
		s.primed = false
		return s.first, s.firstErr
	}
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				return d.Text, nil
			}
		case anthropic.MessageStopEvent:
			return "", io.EOF
		}
	}
	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error { return s.stream.Close() }
