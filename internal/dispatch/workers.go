// ABOUTME: Bounded worker gate limiting concurrent blocking tool executions.
// ABOUTME: Backed by a weighted semaphore so waiting respects context cancellation.

package dispatch

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Workers limits how many blocking executions run at once.
type Workers struct {
	sem  *semaphore.Weighted
	size int64
}

// NewWorkers creates a gate with n slots.
func NewWorkers(n int) *Workers {
	return &Workers{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Acquire blocks until a slot is free or ctx is done. The returned func releases the slot.
func (w *Workers) Acquire(ctx context.Context) (func(), error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { w.sem.Release(1) }, nil
}

// Size returns the number of slots.
func (w *Workers) Size() int {
	return int(w.size)
}
