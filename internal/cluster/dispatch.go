// ABOUTME: Typed message dispatch shared by the primary and the worker.
// ABOUTME: Routes record messages by their "type" field to a registered handler.

package cluster

// TypeKey is the reserved message field used for dispatch.
const TypeKey = "type"

// ReadyToken is sent by a worker once it can accept work.
const ReadyToken = "ready"

// Handlers maps a message type to its handler. T is *Primary or *Worker.
type Handlers[T any] map[string]func(target T, e *Event)

// MessageType returns the dispatch key of msg. Only string-keyed records with
// a non-empty string "type" field have one.
func MessageType(msg any) (string, bool) {
	m, ok := msg.(map[string]any)
	if !ok {
		return "", false
	}
	t, ok := m[TypeKey].(string)
	if !ok || t == "" {
		return "", false
	}
	return t, true
}

// dispatcher is an immutable copy of a Handlers table.
type dispatcher[T any] struct {
	handlers map[string]func(T, *Event)
}

func newDispatcher[T any](h Handlers[T]) dispatcher[T] {
	d := dispatcher[T]{handlers: make(map[string]func(T, *Event), len(h))}
	for name, fn := range h {
		if fn != nil {
			d.handlers[name] = fn
		}
	}
	return d
}

// dispatch calls the handler for e.Message, if any, and reports whether one ran.
func (d dispatcher[T]) dispatch(target T, e *Event) bool {
	t, ok := MessageType(e.Message)
	if !ok {
		return false
	}
	fn, ok := d.handlers[t]
	if !ok {
		return false
	}
	fn(target, e)
	return true
}

// types lists the registered message types.
func (d dispatcher[T]) types() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}
