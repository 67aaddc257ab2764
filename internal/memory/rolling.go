package memory

import (
	"fmt"
	"sync"
)

// DefaultBudget is the token-proxy budget used when none is configured.
const DefaultBudget = 6000

// contextPrefix heads the optional retrieval context message.
const contextPrefix = "Knowledgebase context:\n"

// Stats summarizes one BuildPrompt call.
type Stats struct {
	Budget   int
	Total    int
	Kept     int
	Trimmed  int
	OverHead bool // system + context alone exceed the budget
}

// Memory owns one conversation's history and enforces a token budget when a
// prompt is built. History is never trimmed in place; trimming only affects the
// returned prompt.
type Memory struct {
	mu      sync.Mutex
	system  Message
	history []Message
	budget  int
	counter Counter
}

// New creates a Memory with the given system prompt. A budget <= 0 selects DefaultBudget.
func New(systemPrompt string, budget int) *Memory {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Memory{
		system:  Message{Role: RoleSystem, Content: systemPrompt},
		budget:  budget,
		counter: HeuristicCounter{},
	}
}

// AddUser appends a user message.
func (m *Memory) AddUser(text string) { m.append(Message{Role: RoleUser, Content: text}) }

// AddAssistant appends an assistant message.
func (m *Memory) AddAssistant(text string) { m.append(Message{Role: RoleAssistant, Content: text}) }

func (m *Memory) append(msg Message) {
	m.mu.Lock()
	m.history = append(m.history, msg)
	m.mu.Unlock()
}

// BuildPrompt returns {system} + {context?} + trimmed history, oldest to newest.
// An empty extraContext adds no context message. While over budget and more than
// two history messages remain, the oldest is dropped; a drop that leaves a
// non-user message in front drops that one as well.
func (m *Memory) BuildPrompt(extraContext string) []Message {
	out, _ := m.BuildPromptStats(extraContext)
	return out
}

// BuildPromptStats is BuildPrompt plus a summary of the trimming it did.
func (m *Memory) BuildPromptStats(extraContext string) ([]Message, Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := []Message{m.system}
	if extraContext != "" {
		head = append(head, Message{Role: RoleSystem, Content: contextPrefix + extraContext})
	}

	total := 0
	for _, h := range head {
		total += m.counter.Count(h)
	}
	headCost := total
	for _, h := range m.history {
		total += m.counter.Count(h)
	}

	body := m.history
	trimmed := 0
	for total > m.budget && len(body) > 2 {
		total -= m.counter.Count(body[0])
		body = body[1:]
		trimmed++
		if len(body) > 0 && body[0].Role != RoleUser {
			total -= m.counter.Count(body[0])
			body = body[1:]
			trimmed++
		}
	}

	out := make([]Message, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, body...)
	return out, Stats{
		Budget:   m.budget,
		Total:    total,
		Kept:     len(body),
		Trimmed:  trimmed,
		OverHead: headCost > m.budget,
	}
}

// Clear empties the history and keeps the system message.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.history = nil
	m.mu.Unlock()
}

// History returns a copy of the stored history.
func (m *Memory) History() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.history))
	copy(out, m.history)
	return out
}

// SetSystem replaces the system prompt, used when the content policy reloads.
func (m *Memory) SetSystem(prompt string) {
	m.mu.Lock()
	m.system = Message{Role: RoleSystem, Content: prompt}
	m.mu.Unlock()
}

// Summary is a short human-readable description of the conversation.
func (m *Memory) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.counter.Count(m.system)
	for _, h := range m.history {
		total += m.counter.Count(h)
	}
	return fmt.Sprintf("conversation with %d messages, estimated %d tokens of %d", len(m.history), total, m.budget)
}
