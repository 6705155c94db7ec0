package storage

import (
	"context"
	"sync"
)

// Pending is the handle of an asynchronous write. It is resolved exactly once.
type Pending struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewPending creates an unresolved handle
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolved returns a handle that is already complete with err
func Resolved(err error) *Pending {
	p := NewPending()
	p.Resolve(err)
	return p
}

// Resolve completes the write. Later calls are ignored.
func (p *Pending) Resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the write has completed
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the write completes or ctx is cancelled
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits on every handle and returns the first error
func WaitAll(ctx context.Context, pending []*Pending) error {
	var first error
	for _, p := range pending {
		if err := p.Wait(ctx); err != nil && first == nil {
			first = err
			if ctx.Err() != nil {
				return first
			}
		}
	}
	return first
}
