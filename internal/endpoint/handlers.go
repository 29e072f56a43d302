package endpoint

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// HandlerRegistry stores channel handlers by name.
type HandlerRegistry struct {
	mu   sync.RWMutex
	repo map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{repo: make(map[string]Handler)}
}

// DefaultHandlers registers the built-in "echo" and "discard" handlers.
func DefaultHandlers(log zerolog.Logger) *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register("echo", EchoHandler())
	r.Register("discard", DiscardHandler(log))
	return r
}

func (r *HandlerRegistry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[name] = h
}

func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.repo[name]
	return h, ok
}

// Names lists registered handlers in order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.repo))
	for name := range r.repo {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
