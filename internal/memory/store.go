package memory

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Acquire after the store has been closed.
var ErrClosed = errors.New("memory: store closed")

// Store hands out one Memory per conversation id. Acquire serializes access per
// id: a second Acquire for the same id waits until the first release. Different
// ids never wait on each other.
type Store interface {
	Acquire(ctx context.Context, id string) (*Memory, func(), error)
	Peek(id string) (*Memory, bool)
	Evict(id string) bool
	Len() int
}

// Registry is the in-process Store. Memories live for the process lifetime
// unless evicted.
type Registry struct {
	systemPrompt func() string
	budget       int

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	mem  *Memory
	lock chan struct{}
}

// NewRegistry creates a registry. systemPrompt is called whenever a new
// conversation is created so policy reloads apply to new conversations.
func NewRegistry(systemPrompt func() string, budget int) *Registry {
	if systemPrompt == nil {
		systemPrompt = func() string { return "" }
	}
	return &Registry{systemPrompt: systemPrompt, budget: budget, entries: make(map[string]*entry)}
}

func (r *Registry) getOrCreate(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.entries[id]
	if !ok {
		e = &entry{mem: New(r.systemPrompt(), r.budget), lock: make(chan struct{}, 1)}
		r.entries[id] = e
	}
	return e, nil
}

// Acquire returns the conversation's memory, creating it lazily, and holds the
// per-id lock until release is called. release is safe to call more than once.
func (r *Registry) Acquire(ctx context.Context, id string) (*Memory, func(), error) {
	e, err := r.getOrCreate(id)
	if err != nil {
		return nil, nil, err
	}
	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	return e.mem, func() { once.Do(func() { <-e.lock }) }, nil
}

// Peek returns the memory without locking or creating it.
func (r *Registry) Peek(id string) (*Memory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.mem, true
}

// Evict drops the conversation. A holder of the old memory keeps it until
// release; the next Acquire starts a fresh conversation.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// Len reports the number of live conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close rejects further Acquire calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
