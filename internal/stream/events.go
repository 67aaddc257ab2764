package stream

import (
	"encoding/base64"
	"encoding/json"

	"github.com/chadiek/chemtutor/internal/directive"
)

// Type tags an Event. The values double as SSE event names.
type Type string

const (
	TypeText      Type = "text"
	TypeAudio     Type = "audio"
	TypeDirective Type = "molecule"
	TypeComplete  Type = "complete"
	TypeError     Type = "error"
	TypeDone      Type = "done"
)

// Event is one element of the ordered output sequence. Only the fields that
// belong to Type are set.
type Event struct {
	Type Type
	// Seq is the 1-based position of the event within its stream.
	Seq int

	Text      string
	Audio     *Audio
	Directive *directive.Record
	Complete  *Complete
	Message   string
}

type Audio struct {
	SentenceID int
	Data       []byte
	MIMEType   string
	Voice      string
	// Text is the sentence the audio was synthesized from.
	Text string
}

type Complete struct {
	FullText      string
	SentenceCount int
}

type textPayload struct {
	Type    Type   `json:"type"`
	Content string `json:"content"`
}

type audioPayload struct {
	Type        Type   `json:"type"`
	SentenceID  int    `json:"sentence_id"`
	AudioBase64 string `json:"audio_base64"`
	Text        string `json:"text"`
	MIMEType    string `json:"mime_type"`
	Voice       string `json:"voice,omitempty"`
}

type directivePayload struct {
	Type Type `json:"type"`
	directive.Record
}

type completePayload struct {
	Type          Type   `json:"type"`
	FullText      string `json:"full_text"`
	SentenceCount int    `json:"sentence_count"`
}

type messagePayload struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// Payload returns the wire form of e. Every payload carries its type so a
// consumer can tell events apart without any framing.
func (e Event) Payload() any {
	switch e.Type {
	case TypeText:
		return textPayload{Type: e.Type, Content: e.Text}
	case TypeAudio:
		a := e.Audio
		if a == nil {
			a = &Audio{}
		}
		return audioPayload{
			Type:        e.Type,
			SentenceID:  a.SentenceID,
			AudioBase64: base64.StdEncoding.EncodeToString(a.Data),
			Text:        a.Text,
			MIMEType:    a.MIMEType,
			Voice:       a.Voice,
		}
	case TypeDirective:
		p := directivePayload{Type: e.Type}
		if e.Directive != nil {
			p.Record = *e.Directive
		}
		return p
	case TypeComplete:
		c := e.Complete
		if c == nil {
			c = &Complete{}
		}
		return completePayload{Type: e.Type, FullText: c.FullText, SentenceCount: c.SentenceCount}
	case TypeDone:
		msg := e.Message
		if msg == "" {
			msg = "Stream complete"
		}
		return messagePayload{Type: e.Type, Message: msg}
	default:
		return messagePayload{Type: e.Type, Message: e.Message}
	}
}

func (e Event) MarshalJSON() ([]byte, error) { return json.Marshal(e.Payload()) }

// Sink receives events in order. A Send error means the consumer is gone and
// the stream stops.
type Sink interface {
	Send(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Recorder is a Sink that keeps every event. Useful for tests and the CLI.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Send(e Event) error {
	r.Events = append(r.Events, e)
	return nil
}

// Of returns the recorded events of type t.
func (r *Recorder) Of(t Type) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	out := make([]Type, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
