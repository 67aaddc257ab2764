package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/chadiek/chemtutor/internal/memory"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint
// (OpenAI, Cerebras, Ollama's /v1, vLLM).
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates the generator. baseURL may be empty for api.openai.com.
func NewOpenAI(apiKey, baseURL, model string, opts ...option.RequestOption) *OpenAI {
	base := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(append(base, opts...)...), model: model}
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	// the first Next performs the request, so a dead backend fails here
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil || errors.Is(err, io.EOF) {
			return &SliceStream{}, nil
		}
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openaiStream{stream: stream, pending: true}, nil
}

func toOpenAIMessages(msgs []memory.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case memory.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case memory.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

type openaiStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	// pending is set while the chunk fetched by Stream has not been returned yet
	pending bool
}

func (s *openaiStream) Next() (string, error) {
	if s.pending {
		s.pending = false
		return delta(s.stream.Current()), nil
	}
	if s.stream.Next() {
		return delta(s.stream.Current()), nil
	}
	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("openai stream: %w", err)
	}
	return "", io.EOF
}

func delta(chunk openai.ChatCompletionChunk) string {
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func (s *openaiStream) Close() error { return s.stream.Close() }
