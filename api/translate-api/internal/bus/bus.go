// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_bus provides the named fan-out publisher connecting the
// session pipeline stages. Every subscriber owns a bounded queue and one or
// more workers draining it into a handler, so a slow consumer drops its own
// items under its configured policy and can never back-pressure the
// publisher or starve sibling subscribers.
package internal_bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	internal_queue "github.com/rapidaai/translate/api/translate-api/internal/queue"
	"github.com/rapidaai/translate/pkg/commons"
)

var (
	// ErrDuplicateHandler is returned when a handler name is already
	// registered on the bus.
	ErrDuplicateHandler = errors.New("bus: handler name already registered")
	// ErrBusClosed is returned when subscribing after shutdown.
	ErrBusClosed = errors.New("bus: already shut down")
)

// Handler consumes one published item. Handlers run on the subscription's
// workers; a panic is trapped at the worker shell and the worker stays
// alive.
type Handler[T any] func(item T)

type subscription[T any] struct {
	name    string
	queue   *internal_queue.BoundedQueue[T]
	handler Handler[T]
	workers int
	handled uint64
	mu      sync.Mutex
}

// Bus is a named fan-out publisher with per-subscriber bounded queues.
type Bus[T any] struct {
	name   string
	logger commons.Logger

	mu     sync.RWMutex
	subs   []*subscription[T]
	closed bool

	wg sync.WaitGroup
}

// New creates an empty bus.
func New[T any](name string, logger commons.Logger) *Bus[T] {
	return &Bus[T]{name: name, logger: logger}
}

// Name returns the bus name.
func (b *Bus[T]) Name() string {
	return b.name
}

// Subscribe registers a named handler with its own queue and concurrency
// workers. Registration is append-only; a duplicate name fails. Workers
// start immediately and live until shutdown.
func (b *Bus[T]) Subscribe(
	name string,
	capacity uint,
	policy internal_queue.OverflowPolicy,
	concurrency int,
	handler Handler[T],
) error {
	if handler == nil {
		return fmt.Errorf("bus %s: nil handler for %q", b.name, name)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		if s.name == name {
			return fmt.Errorf("%w: %q on bus %s", ErrDuplicateHandler, name, b.name)
		}
	}

	sub := &subscription[T]{
		name:    name,
		queue:   internal_queue.New[T](capacity, policy),
		handler: handler,
		workers: concurrency,
	}
	b.subs = append(b.subs, sub)

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go b.runWorker(sub)
	}

	b.logger.Debugw("bus handler registered",
		"bus", b.name,
		"handler", name,
		"capacity", capacity,
		"policy", string(policy),
		"concurrency", concurrency,
	)
	return nil
}

// Publish enqueues item into every subscriber's queue. Fire-and-forget:
// enqueueing never blocks, and overflow applies per subscriber. It returns
// the number of subscriber queues that overflowed on this publish so
// callers can attach their own context (e.g. a commit id) to the drop.
func (b *Bus[T]) Publish(item T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	overflowed := 0
	for _, sub := range b.subs {
		res := sub.queue.Put(item)
		switch res.Outcome {
		case internal_queue.PutDroppedNew:
			overflowed++
			b.logger.Warnw("bus queue full, dropping incoming item",
				"bus", b.name,
				"handler", sub.name,
				"policy", string(sub.queue.Policy()),
			)
		case internal_queue.PutDroppedOld:
			overflowed++
			b.logger.Warnw("bus queue full, evicted oldest item",
				"bus", b.name,
				"handler", sub.name,
				"policy", string(sub.queue.Policy()),
				"evicted", res.Evicted,
			)
		}
	}
	return overflowed
}

// DrainQueue removes every item queued for the named subscription that
// match reports true for, without touching items already handed to the
// handler. Returns the number removed.
func (b *Bus[T]) DrainQueue(handlerName string, match func(T) bool) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.name == handlerName {
			return sub.queue.Drain(match), true
		}
	}
	return 0, false
}

// QueueLen returns the backlog size of the named subscription.
func (b *Bus[T]) QueueLen(handlerName string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.name == handlerName {
			return sub.queue.Len(), true
		}
	}
	return 0, false
}

// Drops returns the drop counters of a named subscription.
func (b *Bus[T]) Drops(handlerName string) (evictedOld, rejectedNew uint64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.name == handlerName {
			evictedOld, rejectedNew = sub.queue.Drops()
			return evictedOld, rejectedNew, true
		}
	}
	return 0, 0, false
}

// Handled returns how many items a named subscription's handler has
// completed.
func (b *Bus[T]) Handled(handlerName string) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.name == handlerName {
			sub.mu.Lock()
			n := sub.handled
			sub.mu.Unlock()
			return n, true
		}
	}
	return 0, false
}

// Shutdown closes every subscription queue and waits for the workers to
// drain, up to the context deadline. Workers still running at the deadline
// are abandoned with a log; their handlers cannot be interrupted.
func (b *Bus[T]) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		sub.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Debugw("bus shut down", "bus", b.name)
		return nil
	case <-ctx.Done():
		b.logger.Warnw("bus shutdown deadline exceeded, abandoning workers",
			"bus", b.name,
		)
		return fmt.Errorf("bus %s: shutdown deadline exceeded: %w", b.name, ctx.Err())
	}
}

func (b *Bus[T]) runWorker(sub *subscription[T]) {
	defer b.wg.Done()
	for {
		item, ok := sub.queue.Take()
		if !ok {
			return
		}
		b.invoke(sub, item)
	}
}

// invoke runs the handler with a panic trap so a misbehaving handler can
// never kill its worker or reach the publisher. The handled counter covers
// every consumed item, panicking ones included.
func (b *Bus[T]) invoke(sub *subscription[T], item T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("bus handler panic recovered",
				"bus", b.name,
				"handler", sub.name,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
		sub.mu.Lock()
		sub.handled++
		sub.mu.Unlock()
	}()
	sub.handler(item)
}
