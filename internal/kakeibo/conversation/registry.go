package conversation

import (
	"log/slog"
	"sync"
)

// Registry maps conversation keys (see MemoryKey) to their Memory.
// Memories are created lazily. The registry synchronises only its own map;
// operations on different conversations never contend.
type Registry struct {
	memories sync.Map // Key → *Memory
	Logger   *slog.Logger
}

// NewRegistry returns an empty Registry. If logger is nil, the default slog
// logger is used.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{Logger: logger}
}

// Get returns the Memory for key, creating an empty one if needed.
func (r *Registry) Get(key Key) *Memory {
	return r.GetOrSeed(key, nil)
}

// GetOrSeed returns the Memory for key. When none exists yet, seed (if
// non-nil) supplies its initial messages. seed may run even when another
// caller wins the race to create the Memory; its result is then ignored.
func (r *Registry) GetOrSeed(key Key, seed func() []Message) *Memory {
	if v, ok := r.memories.Load(key); ok {
		return v.(*Memory)
	}
	var initial []Message
	if seed != nil {
		initial = seed()
	}
	m := NewMemory(initial)
	m.key = key
	m.logger = r.Logger
	actual, _ := r.memories.LoadOrStore(key, m)
	return actual.(*Memory)
}

// Lookup returns the Memory for key if one exists.
func (r *Registry) Lookup(key Key) (*Memory, bool) {
	v, ok := r.memories.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Memory), true
}

// Drop forgets the Memory for key. The next Get starts afresh.
func (r *Registry) Drop(key Key) {
	r.memories.Delete(key)
}

// Len returns the number of live memories.
func (r *Registry) Len() int {
	n := 0
	r.memories.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
