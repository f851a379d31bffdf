// Package synclock provides SynchronizerOnObjId, a map of per-object-id FIFO
// mutexes. Every public mutating method of the synced object store runs its
// critical section through Synchronizer.Run keyed on the affected object id,
// so that no two goroutines ever touch the same object's status, caches, or
// on-disk files concurrently.
package synclock

import (
	"context"
	"sync"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

// entry is one object id's FIFO wait queue. waiters holds a channel per
// queued caller, in arrival order; the head of the queue holds the lock.
// Entries are created on first use and dropped once idle (refs reaches 0),
// so the map never grows to hold every object id ever touched.
type entry struct {
	waiters []chan struct{}
	refs    int
}

// Synchronizer is a set of named FIFO mutexes keyed by objid.ID. The zero
// value is not usable; construct with New.
type Synchronizer struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Synchronizer.
func New() *Synchronizer {
	return &Synchronizer{entries: make(map[string]*entry)}
}

// Run acquires the lock for objId, runs action, then releases it. Actions
// for the same objId never overlap and run in the order they called Run
// (FIFO): an action that is already running is never pre-empted, and a
// queued action only avoids running at all if ctx is cancelled before its
// turn arrives — once it starts it always runs to completion. Run does not
// support re-entrant calls for the same objId from within action; doing so
// deadlocks.
func (s *Synchronizer) Run(ctx context.Context, id objid.ID, action func(ctx context.Context) error) error {
	key := lockKey(id)

	release, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	return action(ctx)
}

// acquire blocks until the caller is at the head of key's FIFO queue, or ctx
// is cancelled while still waiting. It returns a release func that must be
// called exactly once to hand the lock to the next waiter (or retire the
// entry if the queue is now empty).
func (s *Synchronizer) acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}

	e.refs++

	ticket := make(chan struct{}, 1)
	e.waiters = append(e.waiters, ticket)
	isHead := len(e.waiters) == 1

	s.mu.Unlock()

	if isHead {
		// First in line: the lock is ours immediately.
		return s.releaseFunc(key, ticket), nil
	}

	select {
	case <-ticket:
		return s.releaseFunc(key, ticket), nil
	case <-ctx.Done():
		s.abandon(key, ticket)
		return nil, ctx.Err()
	}
}

// releaseFunc returns a function that pops ticket from key's queue and wakes
// the next waiter, if any.
func (s *Synchronizer) releaseFunc(key string, ticket chan struct{}) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		e, ok := s.entries[key]
		if !ok || len(e.waiters) == 0 || e.waiters[0] != ticket {
			// Should not happen: the holder of the lock is always at the
			// head of its own queue.
			return
		}

		e.waiters = e.waiters[1:]
		e.refs--

		if len(e.waiters) > 0 {
			e.waiters[0] <- struct{}{}
		}

		if e.refs == 0 {
			delete(s.entries, key)
		}
	}
}

// abandon removes a cancelled waiter from key's queue without ever having
// held the lock. If ticket was somehow already granted (a race between
// cancellation and release), the grant is forwarded to the next waiter so no
// wakeup is lost.
func (s *Synchronizer) abandon(key string, ticket chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}

	for i, w := range e.waiters {
		if w != ticket {
			continue
		}

		e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
		e.refs--

		select {
		case <-ticket:
			// Ticket was granted in the race; forward to the new head.
			if i == 0 && len(e.waiters) > 0 {
				e.waiters[0] <- struct{}{}
			}
		default:
		}

		break
	}

	if e.refs == 0 {
		delete(s.entries, key)
	}
}

// lockKey maps an objid.ID to its map key, giving the root sentinel its own
// reserved key distinct from any possible non-root id string.
func lockKey(id objid.ID) string {
	if id.IsRoot() {
		return "\x00root"
	}

	return id.String()
}
