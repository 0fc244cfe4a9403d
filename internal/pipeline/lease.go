package pipeline

import (
	"context"
	"sync"
)

// leaseRegistry serializes pipeline runs per document: at most one run
// holds a document's lease at a time, and deletion can cancel the
// holder and wait for it to unwind.
type leaseRegistry struct {
	mu     sync.Mutex
	active map[string]*lease
}

type lease struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{active: make(map[string]*lease)}
}

// acquire takes the document's lease. ok is false if another run
// already holds it; the caller should drop the task, the holder will
// finish the work.
func (r *leaseRegistry) acquire(ctx context.Context, documentID string) (context.Context, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[documentID]; busy {
		return nil, nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	l := &lease{cancel: cancel, done: make(chan struct{})}
	r.active[documentID] = l

	release := func() {
		r.mu.Lock()
		delete(r.active, documentID)
		r.mu.Unlock()
		cancel()
		close(l.done)
	}
	return runCtx, release, true
}

// cancel stops an in-flight run for the document and blocks until its
// lease is released. A no-op when nothing is running.
func (r *leaseRegistry) cancel(documentID string) {
	r.mu.Lock()
	l, ok := r.active[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
}
