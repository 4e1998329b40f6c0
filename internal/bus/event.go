// Package bus implements the hierarchical event system the chat engine is
// built on. Nodes live in an id-keyed arena, post typed events, dispatch
// them through statically declared handler tables, and bubble unstopped
// events to their parents.
package bus

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// NewID returns a fresh stable identifier (uuid4 hex, no dashes).
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Key is an event routing key, e.g. "on_chat_updated".
type Key string

// NewKey derives a routing key from an event type name and an optional
// namespace: "on_" [+ namespace + "_"] + snake_case(name). Keys are meant to
// be computed once per event type, at package init.
func NewKey(namespace, name string) Key {
	var b strings.Builder
	b.WriteString("on_")
	if namespace != "" {
		b.WriteString(namespace)
		b.WriteByte('_')
	}
	b.WriteString(snakeCase(name))
	return Key(b.String())
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Event is a tagged variant delivered through the bus. Concrete event types
// embed BaseEvent (which seals the interface) and provide Key.
type Event interface {
	// Key returns the event's routing key.
	Key() Key
	// Bubbles reports whether the event propagates to the parent after
	// local dispatch. Type-level; default true via BaseEvent.
	Bubbles() bool
	// Sender returns the id of the node the event was posted from.
	Sender() string
	// Stop prevents the event from bubbling past the current node.
	Stop()
	// Stopped reports whether Stop has been called.
	Stopped() bool

	stamp(sender string)
}

// BaseEvent carries the mutable routing state shared by all event types.
// Embed it by value and use the event as a pointer.
type BaseEvent struct {
	sender  string
	stopped bool
}

// Bubbles reports true; event types that must not bubble override it.
func (e *BaseEvent) Bubbles() bool { return true }

// Sender returns the posting node's id, stamped at dispatch.
func (e *BaseEvent) Sender() string { return e.sender }

// Stop prevents further bubbling.
func (e *BaseEvent) Stop() { e.stopped = true }

// Stopped reports whether Stop has been called.
func (e *BaseEvent) Stopped() bool { return e.stopped }

func (e *BaseEvent) stamp(sender string) { e.sender = sender }
