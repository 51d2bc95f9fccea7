// Package plugin provides handle event notification.
// This file contains the per-handle listener lists for message, error and detach events.
package plugin

import (
	"fmt"
	"sync"
)

// Event names a handle notification.
type Event string

const (
	EventMessage Event = "message" // every inbound message, after classification
	EventError   Event = "error"   // inbound processing failures
	EventDetach  Event = "detach"  // terminal lifecycle event, fires at most once
)

type subscription[T any] struct {
	id   uint64
	fn   func(T)
	once bool
}

// listeners is an ordered list of callbacks for one event.
type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscription[T]
}

func (l *listeners[T]) add(fn func(T), once bool) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.subs = append(l.subs, subscription[T]{id: id, fn: fn, once: once})
	return func() { l.remove(id) }
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// emit runs listeners in registration order on the calling goroutine. A
// panicking listener is reported through onPanic and does not stop the rest.
func (l *listeners[T]) emit(v T, onPanic func(error)) {
	l.mu.Lock()
	subs := make([]subscription[T], len(l.subs))
	copy(subs, l.subs)
	kept := l.subs[:0]
	for _, s := range l.subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	l.subs = kept
	l.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(fmt.Errorf("listener panic: %v", r))
				}
			}()
			s.fn(v)
		}()
	}
}
