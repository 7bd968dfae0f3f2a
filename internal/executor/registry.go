package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// Registry holds the configured engine executors keyed by engine type.
type Registry struct {
	mu        sync.RWMutex
	executors map[models.EngineType]Executor
	order     []models.EngineType
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.EngineType]Executor)}
}

// Register adds or replaces the executor for an engine type.
func (r *Registry) Register(engine models.EngineType, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[engine]; !exists {
		r.order = append(r.order, engine)
	}
	r.executors[engine] = ex
}

func (r *Registry) Get(engine models.EngineType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, engine)
	}
	return ex, nil
}

// List returns the registered engine types in registration order.
func (r *Registry) List() []models.EngineType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.EngineType(nil), r.order...)
}

// GetAvailable probes every registered engine in parallel and returns one
// availability report per engine, in registration order. Each probe is
// bounded by the executor's own probe timeout; a slow or broken engine
// never blocks the others.
func (r *Registry) GetAvailable(ctx context.Context) []models.EngineAvailability {
	r.mu.RLock()
	engines := append([]models.EngineType(nil), r.order...)
	executors := make([]Executor, len(engines))
	for i, engine := range engines {
		executors[i] = r.executors[engine]
	}
	r.mu.RUnlock()

	results := make([]models.EngineAvailability, len(engines))
	g, ctx := errgroup.WithContext(ctx)
	for i := range engines {
		i := i
		g.Go(func() error {
			results[i] = executors[i].Availability(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
