// Package runner orchestrates multiple async projections and rebuild requests.
// It is storage-agnostic: processors own transactions and checkpoints, the
// runner only schedules them and routes rebuild requests by projection name.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/newsroomhq/publishing/es/projection"
)

var (
	// ErrNoProjections indicates that no projections were provided to run.
	ErrNoProjections = errors.New("no projections provided")

	// ErrUnknownProjection indicates a rebuild request for a name that is not registered.
	ErrUnknownProjection = errors.New("unknown projection")

	// ErrNotRebuildable indicates the projection's processor does not support rebuilds.
	ErrNotRebuildable = errors.New("projection does not support rebuild")
)

// ProjectionRunner pairs a projection with its processor.
type ProjectionRunner struct {
	Projection projection.Projection
	Processor  projection.ProcessorRunner
}

// Runner orchestrates multiple projections concurrently. Each projection runs
// in its own goroutine; a failure in one cancels the others (fail-fast).
// Rebuilds of different projection types are independent: rewinding one
// checkpoint never touches another projection's state.
type Runner struct {
	order   []string
	entries map[string]ProjectionRunner
}

// New creates a runner over the given projections.
// Projection names must be unique; duplicates are a wiring bug and panic.
func New(runners ...ProjectionRunner) *Runner {
	r := &Runner{entries: make(map[string]ProjectionRunner, len(runners))}
	for _, pr := range runners {
		name := pr.Projection.Name()
		if _, dup := r.entries[name]; dup {
			panic(fmt.Sprintf("runner: projection %q registered twice", name))
		}
		r.entries[name] = pr
		r.order = append(r.order, name)
	}
	return r
}

// Names returns the registered projection names in registration order.
func (r *Runner) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Run runs all projections concurrently until the context is canceled.
// If a projection returns an error, all others are canceled and the error
// is returned.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.entries) == 0 {
		return ErrNoProjections
	}

	for name, pr := range r.entries {
		if pr.Projection == nil {
			return fmt.Errorf("projection %q is nil", name)
		}
		if pr.Processor == nil {
			return fmt.Errorf("processor for projection %q is nil", name)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(r.entries))

	for _, name := range r.order {
		pr := r.entries[name]
		wg.Add(1)
		go func(pr ProjectionRunner) {
			defer wg.Done()

			err := pr.Processor.Run(ctx, pr.Projection)
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("projection %q failed: %w", pr.Projection.Name(), err)
			}
		}(pr)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			cancel()
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rebuild rewinds one projection to position zero and discards its read
// model. It returns once the rewind is durable; the replay itself proceeds
// in the projection's Run loop, concurrent with ongoing writes.
//
// Returns ErrUnknownProjection for unregistered names and ErrNotRebuildable
// when the processor cannot rebuild.
func (r *Runner) Rebuild(ctx context.Context, name string) error {
	pr, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProjection, name)
	}

	rebuilder, ok := pr.Processor.(projection.Rebuilder)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRebuildable, name)
	}

	return rebuilder.Rebuild(ctx, pr.Projection)
}
