package memory

import "unicode/utf8"

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one immutable entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Counter estimates the token cost of a message.
type Counter interface {
	Count(m Message) int
}

// HeuristicCounter is the default deterministic estimator: one token per four
// characters of content, never less than one.
type HeuristicCounter struct{}

// charsPerToken is the coarse proxy used for budgeting; changing it changes every trim decision.
const charsPerToken = 4

func (HeuristicCounter) Count(m Message) int {
	n := utf8.RuneCountInString(m.Content) / charsPerToken
	if n < 1 {
		return 1
	}
	return n
}
