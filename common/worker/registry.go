package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Mode is how a worker delivers its result.
type Mode string

const (
	// ModeSync workers return the output from Execute.
	ModeSync Mode = "sync"
	// ModeAsync workers acknowledge the dispatch and post the result to the
	// callback URL later.
	ModeAsync Mode = "async"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Worker is a registered worker kind.
type Worker interface {
	Kind() string
	Mode() Mode
}

// SyncWorker executes inline and returns the node output.
type SyncWorker interface {
	Worker
	Execute(ctx context.Context, req *Request) (interface{}, error)
}

// AsyncWorker hands the request to an external system. The result arrives
// later on the callback URL; Dispatch returning nil only means the handoff
// succeeded.
type AsyncWorker interface {
	Worker
	Dispatch(ctx context.Context, req *Request) error
}

// Request is the execution request handed to a worker.
type Request struct {
	RunID       uuid.UUID
	NodeID      string
	Input       map[string]interface{}
	Config      map[string]interface{}
	CallbackURL string
}

// Registry holds the registered worker kinds. It satisfies the compiler's
// WorkerKinds interface so graph validation and dispatch can never disagree
// about what exists.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]Worker),
	}
}

// Register adds a worker. Registering the same kind twice is an error; kinds
// are part of saved graphs and must stay unambiguous.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.Kind()]; exists {
		return fmt.Errorf("worker kind already registered: %s", w.Kind())
	}
	r.workers[w.Kind()] = w
	return nil
}

// Get returns the worker for kind.
func (r *Registry) Get(kind string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[kind]
	return w, ok
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.workers))
	for k := range r.workers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
