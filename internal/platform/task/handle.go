// Package task provides a minimal future for work submitted to a background
// worker. Callers either Wait on the handle or drop it; both are explicit.
package task

import (
	"context"
	"sync"
)

// Handle tracks one submitted unit of work.
type Handle struct {
	done chan struct{}
	once sync.Once
	ok   bool
	err  error
}

func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Completed returns an already-resolved handle.
func Completed(ok bool, err error) *Handle {
	h := NewHandle()
	h.Resolve(ok, err)
	return h
}

// Resolve records the outcome. Only the first call has any effect.
func (h *Handle) Resolve(ok bool, err error) {
	h.once.Do(func() {
		h.ok = ok
		h.err = err
		close(h.done)
	})
}

// Done is closed once the work has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the work finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (bool, error) {
	select {
	case <-h.done:
		return h.ok, h.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// WaitAll waits for every handle and returns how many reported ok. It stops
// early when ctx ends.
func WaitAll(ctx context.Context, handles []*Handle) (succeeded int, err error) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		ok, werr := h.Wait(ctx)
		if ctx.Err() != nil {
			return succeeded, ctx.Err()
		}
		if werr == nil && ok {
			succeeded++
		}
	}
	return succeeded, nil
}
