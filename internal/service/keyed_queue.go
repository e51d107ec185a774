package service

import (
	"context"
	"sync"
)

type queueSlot struct {
	turn    chan struct{}
	waiters int
}

// KeyedQueue runs functions one at a time per key while different keys run
// concurrently. Idle keys hold no memory.
type KeyedQueue[K comparable] struct {
	mu    sync.Mutex
	slots map[K]*queueSlot
}

func NewKeyedQueue[K comparable]() *KeyedQueue[K] {
	return &KeyedQueue[K]{slots: map[K]*queueSlot{}}
}

// Run waits for its turn on key and calls fn. A caller whose ctx ends while
// waiting returns ctx.Err() without running fn.
func (q *KeyedQueue[K]) Run(ctx context.Context, key K, fn func(context.Context) error) error {
	slot := q.acquire(key)
	defer q.release(key, slot)

	select {
	case slot.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot.turn }()

	return fn(ctx)
}

// Len returns the number of keys with a running or waiting call.
func (q *KeyedQueue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

func (q *KeyedQueue[K]) acquire(key K) *queueSlot {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot, ok := q.slots[key]
	if !ok {
		slot = &queueSlot{turn: make(chan struct{}, 1)}
		q.slots[key] = slot
	}
	slot.waiters++
	return slot
}

func (q *KeyedQueue[K]) release(key K, slot *queueSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot.waiters--
	if slot.waiters == 0 {
		delete(q.slots, key)
	}
}
