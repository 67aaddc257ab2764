// Package stream turns a generation fragment stream into the ordered event
// sequence a client consumes: text as it arrives, sentence audio, diagram
// directives, and a completion record.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/muesli/reflow/truncate"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/chemtutor/internal/directive"
	"github.com/chadiek/chemtutor/internal/llm"
	"github.com/chadiek/chemtutor/internal/memory"
	"github.com/chadiek/chemtutor/internal/segment"
	"github.com/chadiek/chemtutor/internal/tts"
)

const (
	defaultQueueSize        = 64
	defaultSynthConcurrency = 3
)

// State is the coordinator's position in one request.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateDraining
	StateComplete
	StateErrored
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	case StateCanceled:
		return "canceled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Synthesizer speaks one sentence. *tts.Synthesizer implements it.
type Synthesizer interface {
	Speakable(text string) bool
	SynthesizeVoice(ctx context.Context, text, voice string) (tts.Audio, error)
}

// Committer receives the assistant's text when a stream ends.
// *memory.Memory implements it.
type Committer interface {
	AddAssistant(text string)
}

var _ Committer = (*memory.Memory)(nil)

type Request struct {
	Prompt      []memory.Message
	Model       string
	Temperature float64
	MaxTokens   int
	// Voice overrides the synthesizer's voice policy when set.
	Voice string
	// Notice is sent as a text event before generation starts. It is not
	// part of the full text.
	Notice string
	// Footer is sent as a final text event before completion and becomes
	// part of the full text. It is skipped when nothing was generated.
	Footer string
	// Memory, when set, receives the full text at completion and the partial
	// text on error or cancellation.
	Memory Committer
	// NoAudio disables synthesis for this request.
	NoAudio bool
}

// Outcome summarizes a finished stream.
type Outcome struct {
	StreamID   string
	State      State
	FullText   string
	Sentences  int
	AudioSent  int
	Directives int
	Events     int
}

type Coordinator struct {
	gen              llm.Generator
	synth            Synthesizer
	queueSize        int
	synthConcurrency int
	minSentence      int
	logger           *log.Logger
}

type Option func(*Coordinator)

// WithSynthesizer enables sentence audio.
func WithSynthesizer(s Synthesizer) Option { return func(c *Coordinator) { c.synth = s } }

// WithQueueSize bounds the number of fragments buffered between the backend
// reader and the event writer.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithSynthConcurrency bounds parallel synthesis of sentences completed by
// the same fragment.
func WithSynthConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.synthConcurrency = n
		}
	}
}

// WithMinSentenceLength overrides segment.MinLength. n <= 0 keeps the default.
func WithMinSentenceLength(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.minSentence = n
		}
	}
}

func New(gen llm.Generator, opts ...Option) *Coordinator {
	c := &Coordinator{
		gen:              gen,
		queueSize:        defaultQueueSize,
		synthConcurrency: defaultSynthConcurrency,
		minSentence:      segment.MinLength,
		logger:           log.WithPrefix("stream"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run drives one request to completion and writes its events to sink.
//
// On success the sequence ends with Complete then Done. A backend failure
// ends it with a single Error and no Done. If ctx is canceled or sink fails,
// no further events are sent. In every case the text generated so far is
// committed to req.Memory.
func (c *Coordinator) Run(ctx context.Context, req Request, sink Sink) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		c:      c,
		req:    req,
		sink:   sink,
		seg:    segment.New().WithMinLength(c.minSentence),
		out:    Outcome{StreamID: uuid.NewString(), State: StateIdle},
		logger: c.logger,
	}
	r.logger = c.logger.With("stream", r.out.StreamID[:8])

	if req.Notice != "" {
		if err := r.emit(Event{Type: TypeText, Text: req.Notice}); err != nil {
			return r.abort(err)
		}
	}

	st, err := c.gen.Stream(ctx, llm.Request{
		Model:       req.Model,
		Messages:    req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("generation: %w", err))
	}
	defer st.Close()

	frags := make(chan string, c.queueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frags)
		for {
			frag, err := st.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if frag == "" {
				continue
			}
			select {
			case frags <- frag:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	var stopErr error
	for frag := range frags {
		if r.out.State == StateIdle {
			r.out.State = StateStreaming
		}
		if err := r.fragment(ctx, frag); err != nil {
			stopErr = err
			cancel()
			break
		}
	}
	genErr := g.Wait()

	switch {
	case stopErr != nil:
		return r.abort(stopErr)
	case ctx.Err() != nil:
		return r.abort(ctx.Err())
	case genErr != nil:
		return r.fail(ctx, fmt.Errorf("generation: %w", genErr))
	}
	return r.drain()
}

type run struct {
	c      *Coordinator
	req    Request
	sink   Sink
	seg    *segment.Segmenter
	full   strings.Builder
	out    Outcome
	logger *log.Logger
}

func (r *run) emit(e Event) error {
	r.out.Events++
	e.Seq = r.out.Events
	return r.sink.Send(e)
}

// fragment handles one backend fragment: pass it through, remove any
// directive from the live buffer, then speak the sentences it completed.
func (r *run) fragment(ctx context.Context, frag string) error {
	if err := r.emit(Event{Type: TypeText, Text: frag}); err != nil {
		return err
	}
	r.full.WriteString(frag)
	r.seg.Write(frag)

	for {
		rec, span, ok := directive.Scan(r.seg.Buffer())
		if !ok {
			break
		}
		if err := r.seg.Excise(span.Start, span.End); err != nil {
			r.logger.Warn("directive excision failed", "err", err)
			break
		}
		r.out.Directives++
		r.logger.Info("directive detected", "targets", len(rec.Targets()))
		if err := r.emit(Event{Type: TypeDirective, Directive: &rec}); err != nil {
			return err
		}
	}
	return r.speak(ctx, r.seg.Drain())
}

type sentence struct {
	id   int
	text string
}

// speak synthesizes the sentences completed by one fragment concurrently and
// emits their audio in sentence order before the next fragment is handled.
func (r *run) speak(ctx context.Context, sentences []string) error {
	var jobs []sentence
	for _, s := range sentences {
		r.out.Sentences++
		r.logger.Debug("sentence", "id", r.out.Sentences, "text", truncate.StringWithTail(s, 60, "…"))
		if r.c.synth == nil || r.req.NoAudio || !r.c.synth.Speakable(s) {
			continue
		}
		jobs = append(jobs, sentence{id: r.out.Sentences, text: s})
	}
	if len(jobs) == 0 {
		return nil
	}

	results := make([]*tts.Audio, len(jobs))
	var g errgroup.Group
	g.SetLimit(r.c.synthConcurrency)
	for i, j := range jobs {
		g.Go(func() error {
			a, err := r.c.synth.SynthesizeVoice(ctx, j.text, r.req.Voice)
			if err != nil {
				var se *tts.SynthesisError
				if errors.As(err, &se) {
					r.logger.Warn("synthesis failed; sentence has no audio", "sentence", j.id, "backend", se.Backend, "err", se.Err)
				} else {
					r.logger.Warn("synthesis failed; sentence has no audio", "sentence", j.id, "err", err)
				}
				return nil
			}
			results[i] = &a
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, j := range jobs {
		a := results[i]
		if a == nil {
			continue
		}
		r.out.AudioSent++
		if err := r.emit(Event{Type: TypeAudio, Audio: &Audio{
			SentenceID: j.id,
			Data:       a.Data,
			MIMEType:   a.MIMEType,
			Voice:      a.Voice,
			Text:       j.text,
		}}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) drain() (Outcome, error) {
	r.out.State = StateDraining
	if rest := strings.TrimSpace(r.seg.Buffer()); rest != "" {
		r.logger.Debug("unterminated tail not synthesized", "text", truncate.StringWithTail(rest, 60, "…"))
	}
	if r.req.Footer != "" && strings.TrimSpace(r.full.String()) != "" {
		if err := r.emit(Event{Type: TypeText, Text: r.req.Footer}); err != nil {
			return r.abort(err)
		}
		r.full.WriteString(r.req.Footer)
	}
	r.out.FullText = r.full.String()
	if err := r.emit(Event{Type: TypeComplete, Complete: &Complete{FullText: r.out.FullText, SentenceCount: r.out.Sentences}}); err != nil {
		return r.abort(err)
	}
	r.commit()
	r.out.State = StateComplete
	if err := r.emit(Event{Type: TypeDone}); err != nil {
		return r.out, err
	}
	r.logger.Info("stream complete", "sentences", r.out.Sentences, "audio", r.out.AudioSent, "chars", len(r.out.FullText))
	return r.out, nil
}

// fail reports a backend failure as the last event of the stream.
func (r *run) fail(ctx context.Context, err error) (Outcome, error) {
	r.out.State = StateErrored
	r.out.FullText = r.full.String()
	r.logger.Error("stream failed", "err", err, "chars", len(r.out.FullText))
	r.commit()
	if ctx.Err() == nil {
		if sendErr := r.emit(Event{Type: TypeError, Message: errorMessage(err)}); sendErr != nil {
			r.logger.Debug("error event not delivered", "err", sendErr)
		}
	}
	return r.out, err
}

// abort stops without further events; the consumer is gone.
func (r *run) abort(err error) (Outcome, error) {
	r.out.State = StateCanceled
	r.out.FullText = r.full.String()
	r.logger.Info("stream canceled", "err", err, "chars", len(r.out.FullText))
	r.commit()
	return r.out, err
}

func (r *run) commit() {
	if r.req.Memory == nil || r.out.FullText == "" {
		return
	}
	r.req.Memory.AddAssistant(r.out.FullText)
}

func errorMessage(err error) string {
	var be *llm.BackendError
	if errors.As(err, &be) {
		return be.Error()
	}
	return err.Error()
}
