// Package scheduler runs the background job loop: claiming jobs from the
// store, dispatching them to registered handlers, and recovering work from
// crashed workers via lock reaping.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"empirecore/pkg/domain"
)

// Handler executes one job. Returning nil completes the job; returning an
// error consumes a retry. ctx carries the job's timeout as a deadline, which
// handlers should honor, though the reaper is what actually recovers a job
// whose worker stopped responding.
type Handler func(ctx context.Context, job domain.Job) error

// Registry maps job kinds to handlers. Registration normally happens during
// startup, but the registry is safe for concurrent use so handlers can be
// added while dispatchers run.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a job kind, replacing any previous binding.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

// Resolve returns the handler for kind.
func (r *Registry) Resolve(kind string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[kind]
	r.mu.RUnlock()
	return h, ok
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		out = append(out, kind)
	}
	return out
}

// DecodePayload unmarshals a job payload into v with a uniform error shape
// for handlers.
func DecodePayload(job domain.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	return nil
}
