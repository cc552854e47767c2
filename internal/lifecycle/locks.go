package lifecycle

import (
	"context"
	"sync"
)

// Locks is a keyed mutex arena. Each key is an independent mutex that exists only while
// someone holds or waits for it.
type Locks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{slots: make(map[string]*lockSlot)}
}

// Lock blocks until key is held or ctx is done. The returned unlock is safe to call
// more than once.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(key, slot)
		})
	}, nil
}

func (l *Locks) release(key string, slot *lockSlot) {
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func ticketKey(ticketID string) string {
	return "ticket:" + ticketID
}

func counterKey(counterID string) string {
	return "counter:" + counterID
}
