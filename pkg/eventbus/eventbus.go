package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// Listener handles one emitted event. A returned error is logged and does not
// stop delivery to the remaining listeners.
type Listener[T any] func(ctx context.Context, data T) error

type registration[T any] struct {
	id   uint64
	fn   Listener[T]
	once bool
}

// Bus is an in-process publish/subscribe hub keyed by event kind.
// Emit delivers to listeners sequentially, in registration order, and returns
// only after every listener has run. All methods are safe for concurrent use.
type Bus[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]registration[T]
	nextID    uint64
	logger    *slog.Logger
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report failing listeners.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an empty Bus.
func New[T any](opts ...Option) *Bus[T] {
	o := options{logger: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[T]{
		listeners: make(map[string][]registration[T]),
		logger:    o.logger,
	}
}

// On registers fn for kind and returns a function that removes it.
// The returned function is idempotent.
func (b *Bus[T]) On(kind string, fn Listener[T]) (unsubscribe func()) {
	return b.add(kind, fn, false)
}

// Once registers fn to run for the next emission of kind only.
func (b *Bus[T]) Once(kind string, fn Listener[T]) (unsubscribe func()) {
	return b.add(kind, fn, true)
}

// Emit delivers data to the listeners registered for kind at the moment of the call.
// Listeners registered while an emission is in progress do not receive it.
func (b *Bus[T]) Emit(ctx context.Context, kind string, data T) {
	b.mu.Lock()
	regs := b.listeners[kind]
	if len(regs) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := make([]registration[T], len(regs))
	copy(snapshot, regs)

	// Once-listeners are detached before they run so a re-entrant Emit cannot fire them twice.
	kept := regs[:0:0]
	for _, r := range regs {
		if !r.once {
			kept = append(kept, r)
		}
	}
	b.setLocked(kind, kept)
	b.mu.Unlock()

	for _, r := range snapshot {
		if !r.once && !b.registered(kind, r.id) {
			continue
		}
		if err := b.call(ctx, r.fn, data); err != nil {
			b.logger.ErrorContext(ctx, "event listener failed",
				slog.String("event_kind", kind),
				slog.Any("error", err),
			)
		}
	}
}

// RemoveAllListeners drops the listeners of the given kinds, or of every kind when none is given.
func (b *Bus[T]) RemoveAllListeners(kinds ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(kinds) == 0 {
		clear(b.listeners)
		return
	}
	for _, k := range kinds {
		delete(b.listeners, k)
	}
}

// ListenerCount reports how many listeners are registered for kind.
func (b *Bus[T]) ListenerCount(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind])
}

func (b *Bus[T]) add(kind string, fn Listener[T], once bool) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[kind] = append(b.listeners[kind], registration[T]{id: id, fn: fn, once: once})
	b.mu.Unlock()

	var done sync.Once
	return func() {
		done.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus[T]) remove(kind string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.listeners[kind]
	for i, r := range regs {
		if r.id == id {
			kept := make([]registration[T], 0, len(regs)-1)
			kept = append(kept, regs[:i]...)
			kept = append(kept, regs[i+1:]...)
			b.setLocked(kind, kept)
			return
		}
	}
}

func (b *Bus[T]) registered(kind string, id uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.listeners[kind] {
		if r.id == id {
			return true
		}
	}
	return false
}

// Must be called with lock held.
func (b *Bus[T]) setLocked(kind string, regs []registration[T]) {
	if len(regs) == 0 {
		delete(b.listeners, kind)
		return
	}
	b.listeners[kind] = regs
}

func (b *Bus[T]) call(ctx context.Context, fn Listener[T], data T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrListenerPanic, r)
		}
	}()
	return fn(ctx, data)
}
