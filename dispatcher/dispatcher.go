// Package dispatcher provides static key->callable routing with an
// optional default handler, the idiomatic replacement for subject-based
// if/else chains. Used internally by corebus to route inbound frames by
// command tag, and by applications to route by subject.
package dispatcher

import "errors"

// ErrNoHandler is returned when a key has no registered handler and no
// default handler is configured.
var ErrNoHandler = errors.New("dispatcher: no handler for key")

// Handler processes a dispatch call for one registered key.
type Handler[R any] func(args ...any) (R, error)

// DefaultHandler processes a dispatch call for an unregistered key; it also
// receives the key so it can report which one was unhandled.
type DefaultHandler[K comparable, R any] func(key K, args ...any) (R, error)

// Dispatcher is a static map[K]Handler[R] plus an optional default.
type Dispatcher[K comparable, R any] struct {
	handlers map[K]Handler[R]
	fallback DefaultHandler[K, R]
}

// New builds a Dispatcher from a key->handler map. Callers that need a
// default handler should chain WithDefault.
func New[K comparable, R any](handlers map[K]Handler[R]) *Dispatcher[K, R] {
	m := make(map[K]Handler[R], len(handlers))
	for k, v := range handlers {
		m[k] = v
	}
	return &Dispatcher[K, R]{handlers: m}
}

// WithDefault attaches a default handler invoked on a miss, returning the
// same Dispatcher for chaining.
func (d *Dispatcher[K, R]) WithDefault(fn DefaultHandler[K, R]) *Dispatcher[K, R] {
	d.fallback = fn
	return d
}

// Dispatch looks up key and forwards args to its handler. On a miss it
// forwards to the default handler if one is configured, otherwise it
// returns ErrNoHandler.
func (d *Dispatcher[K, R]) Dispatch(key K, args ...any) (R, error) {
	if h, ok := d.handlers[key]; ok {
		return h(args...)
	}
	if d.fallback != nil {
		return d.fallback(key, args...)
	}
	var zero R
	return zero, ErrNoHandler
}
