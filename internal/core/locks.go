// ABOUTME: Keyed mutex used to serialize turns per conversation and memory commits per user
// ABOUTME: Entries are reference counted and removed when the last holder leaves
package core

import (
	"context"
	"sync"
)

type keyedSlot struct {
	ch   chan struct{}
	refs int
}

// keyedMutex hands out one exclusive slot per key
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keyedSlot
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]*keyedSlot)}
}

// Lock blocks until key is free or ctx is done. The returned func releases the slot.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keyedSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			k.release(key, slot)
		})
	}, nil
}

func (k *keyedMutex) release(key string, slot *keyedSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
}

// size returns the number of keys currently tracked
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
