package agent

import (
	"errors"

	"github.com/chadiek/chemtutor/internal/retrieval"
)

const (
	DefaultChatID = "default"

	DefaultSystemPrompt = "You are **ChemTutor**, an AI assistant that helps students learn **Organic Chemistry**.\n" +
		"Use only the provided CONTEXT; be concise; English first with very light Roman Nepali.\n" +
		"If context is missing, state that briefly and ask one clarifying question."

	DefaultStyleReminder = "Remember: Use minimal Nepali in Devanagari (ठिक छ, राम्रो छ, बुझ्नुभयो?) - only 1-2 words. " +
		"Keep responses clear and concise in English. " +
		"If user asks to draw something, add JSON tool call wrapped in code blocks: " +
		"```json\n{\"tool\":\"draw_molecule\",\"name\":\"water\",\"smiles\":\"O\"}\n```"

	UnavailableNotice  = "Knowledge base is not available; answering without references.\n\n"
	UnavailableContext = "(knowledge base unavailable)"
)

// ErrEmptyMessage is returned for a turn with no user text.
var ErrEmptyMessage = errors.New("agent: empty message")

// Prompts supplies the content policy for a turn. Implementations may change
// between turns; each call returns the current value.
type Prompts interface {
	SystemPrompt() string
	StyleReminder() string
	Labeler() retrieval.Labeler
}

// StaticPrompts is a fixed Prompts.
type StaticPrompts struct {
	System   string
	Reminder string
	Topics   []retrieval.Topic
}

func (p StaticPrompts) SystemPrompt() string {
	if p.System == "" {
		return DefaultSystemPrompt
	}
	return p.System
}

func (p StaticPrompts) StyleReminder() string { return p.Reminder }

func (p StaticPrompts) Labeler() retrieval.Labeler {
	if p.Topics == nil {
		return retrieval.KeywordLabeler(retrieval.DefaultTopics)
	}
	return retrieval.KeywordLabeler(p.Topics)
}

// TurnRequest is one user message in a conversation.
type TurnRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
	Voice   string `json:"voice,omitempty"`
	Model   string `json:"model,omitempty"`
	NoAudio bool   `json:"no_audio,omitempty"`
}
