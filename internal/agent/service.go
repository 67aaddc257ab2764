// Package agent runs one tutoring turn: memory, retrieval, prompt assembly
// and the streamed answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chadiek/chemtutor/internal/llm"
	"github.com/chadiek/chemtutor/internal/memory"
	"github.com/chadiek/chemtutor/internal/retrieval"
	"github.com/chadiek/chemtutor/internal/stream"
)

type Options struct {
	Model            string
	Temperature      float64
	TopK             int
	MaxContextLength int
	// RetryBackoff is the pause before the single retry of a transient
	// retrieval failure.
	RetryBackoff time.Duration
}

type Service struct {
	store     memory.Store
	retriever retrieval.Retriever
	gen       llm.Generator
	coord     *stream.Coordinator
	prompts   Prompts
	opts      Options
	logger    *log.Logger
}

// NewService wires a turn runner. retriever may be nil, which behaves like an
// unavailable knowledge base.
func NewService(store memory.Store, retriever retrieval.Retriever, gen llm.Generator, coord *stream.Coordinator, prompts Prompts, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = retrieval.DefaultTopK
	}
	if opts.MaxContextLength <= 0 {
		opts.MaxContextLength = retrieval.DefaultMaxContextLength
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if prompts == nil {
		prompts = StaticPrompts{Reminder: DefaultStyleReminder}
	}
	return &Service{
		store:     store,
		retriever: retriever,
		gen:       gen,
		coord:     coord,
		prompts:   prompts,
		opts:      opts,
		logger:    log.WithPrefix("agent"),
	}
}

// Turn answers req.Message within its conversation and streams the answer to
// sink. Turns for the same chat id run one at a time.
func (s *Service) Turn(ctx context.Context, req TurnRequest, sink stream.Sink) (stream.Outcome, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return stream.Outcome{}, ErrEmptyMessage
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = DefaultChatID
	}
	logger := s.logger.With("chat", chatID)

	mem, release, err := s.store.Acquire(ctx, chatID)
	if err != nil {
		return stream.Outcome{}, fmt.Errorf("agent: acquire %s: %w", chatID, err)
	}
	defer release()
	mem.SetSystem(s.prompts.SystemPrompt())
	mem.AddUser(msg)

	res := s.retrieve(ctx, msg)
	var (
		contextText string
		notice      string
		footer      string
	)
	switch res.Kind {
	case retrieval.KindFound, retrieval.KindEmpty:
		contextText = res.ContextText(s.opts.MaxContextLength)
		if refs := res.References(s.prompts.Labeler()); len(refs) > 0 {
			footer = "\n\nSources:\n" + strings.Join(refs, "\n")
		}
	case retrieval.KindUnavailable:
		logger.Warn("knowledge base unavailable", "err", res.Err)
		contextText = UnavailableContext
		notice = UnavailableNotice
	default:
		logger.Error("retrieval failed", "err", res.Err)
		err := fmt.Errorf("agent: retrieval: %w", res.Err)
		if sendErr := sink.Send(stream.Event{Type: stream.TypeError, Seq: 1, Message: "Knowledge base search failed, please try again."}); sendErr != nil {
			logger.Debug("error event not delivered", "err", sendErr)
		}
		return stream.Outcome{State: stream.StateErrored}, err
	}

	prompt, stats := mem.BuildPromptStats(contextText)
	if reminder := s.prompts.StyleReminder(); reminder != "" {
		prompt = append(prompt, memory.Message{Role: memory.RoleSystem, Content: reminder})
	}
	logger.Debug("prompt built", "messages", len(prompt), "tokens", stats.Total, "trimmed", stats.Trimmed, "snippets", len(res.Snippets))

	model := req.Model
	if model == "" {
		model = s.opts.Model
	}
	return s.coord.Run(ctx, stream.Request{
		Prompt:      prompt,
		Model:       model,
		Temperature: s.opts.Temperature,
		Voice:       req.Voice,
		Notice:      notice,
		Footer:      footer,
		Memory:      mem,
		NoAudio:     req.NoAudio,
	}, sink)
}

// retrieve searches once and retries a single time on a transient failure.
func (s *Service) retrieve(ctx context.Context, query string) retrieval.Result {
	if s.retriever == nil {
		return retrieval.Result{Kind: retrieval.KindUnavailable, Err: retrieval.ErrUnavailable}
	}
	res := s.retriever.Search(ctx, query, s.opts.TopK)
	if res.Kind != retrieval.KindTransientFailure {
		return res
	}
	s.logger.Warn("retrieval failed, retrying", "err", res.Err)
	select {
	case <-time.After(s.opts.RetryBackoff):
	case <-ctx.Done():
		return retrieval.Result{Kind: retrieval.KindTransientFailure, Err: ctx.Err()}
	}
	return s.retriever.Search(ctx, query, s.opts.TopK)
}

// Chat streams a completion for caller-supplied messages with no memory,
// retrieval or audio. Each fragment is passed to write as it arrives.
func (s *Service) Chat(ctx context.Context, messages []memory.Message, model string, write func(string) error) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyMessage
	}
	if model == "" {
		model = s.opts.Model
	}
	st, err := s.gen.Stream(ctx, llm.Request{Model: model, Messages: messages, Temperature: s.opts.Temperature})
	if err != nil {
		return "", err
	}
	defer st.Close()
	var full strings.Builder
	for {
		frag, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return full.String(), nil
			}
			return full.String(), err
		}
		if frag == "" {
			continue
		}
		full.WriteString(frag)
		if err := write(frag); err != nil {
			return full.String(), err
		}
	}
}

// Clear drops a conversation's history but keeps the conversation.
func (s *Service) Clear(ctx context.Context, chatID string) error {
	mem, release, err := s.store.Acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer release()
	mem.Clear()
	return nil
}

// Forget removes a conversation entirely.
func (s *Service) Forget(chatID string) bool { return s.store.Evict(chatID) }

// History returns a copy of a conversation's messages, or nil if unknown.
func (s *Service) History(chatID string) []memory.Message {
	mem, ok := s.store.Peek(chatID)
	if !ok {
		return nil
	}
	return mem.History()
}

// Summary describes a conversation's size against its budget.
func (s *Service) Summary(chatID string) (string, bool) {
	mem, ok := s.store.Peek(chatID)
	if !ok {
		return "", false
	}
	return mem.Summary(), true
}

// Conversations reports how many conversations are held in memory.
func (s *Service) Conversations() int { return s.store.Len() }
