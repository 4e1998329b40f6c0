// Package chat implements the session state engine: dirty-tracked message
// containers (sessions and prompt templates) that persist as JSON documents,
// notify subscribers, bubble events through the bus, and drive streamed,
// cancellable generation against an LLM provider.
package chat

import (
	"fmt"
	"os"
	"strings"
	"time"

	"llamaterm/internal/bus"
	"llamaterm/internal/logging"
	"llamaterm/internal/store"
)

// Notifier receives engine notifications: direct subscriber fan-out from a
// session, or bubbled events arriving at the manager's sink. Events carry
// only identifiers, never rendered text.
type Notifier interface {
	Notify(ev bus.Event)
}

// Container is an ordered message list with dirty tracking and batched
// persistence, the shared base of Session and Prompt. It is itself a bus
// node; every message is mounted as its child.
//
// A container must be bound (bind, then mountMessages) by its owner before
// use. Mutation is single-flow: callers must not mutate one container from
// multiple goroutines.
type Container struct {
	bus.NodeBase

	name        string
	messages    []*Message
	byID        map[string]*Message
	lastUpdated time.Time

	changes  Change
	batching bool
	loaded   bool

	b    *bus.Bus
	docs *store.Documents

	// self is the outermost entity as registered in the arena; saver is that
	// entity's save pass, so every mutation path runs the owner's gate order.
	self  bus.Node
	saver func() bool
}

// newContainer assembles the shared state. A nil msgs slice means the
// messages have not been hydrated yet; an empty non-nil slice is a loaded,
// empty container.
func newContainer(b *bus.Bus, docs *store.Documents, id, name string, msgs []*Message, lastUpdated time.Time) Container {
	c := Container{
		NodeBase: bus.MakeNodeWithID(id),
		name:     name,
		byID:     make(map[string]*Message),
		b:        b,
		docs:     docs,
	}
	for _, m := range msgs {
		c.messages = append(c.messages, m)
		c.byID[m.NodeID()] = m
	}
	c.lastUpdated = lastUpdated
	if c.lastUpdated.IsZero() {
		c.lastUpdated = time.Now().UTC()
	}
	c.loaded = msgs != nil
	return c
}

// bind wires the container to its owner.
func (c *Container) bind(self bus.Node, saver func() bool) {
	c.self = self
	c.saver = saver
}

// mountMessages mounts the messages hydrated at construction. Detached
// copies (Clone) skip this so they never collide with the original's nodes.
func (c *Container) mountMessages() {
	for _, m := range c.messages {
		c.mount(m)
	}
}

func (c *Container) save() bool { return c.saver() }

func (c *Container) post(ev bus.Event) {
	if c.b == nil {
		return
	}
	c.b.Post(c.self, ev)
}

func (c *Container) mount(m *Message) {
	if c.b == nil {
		return
	}
	c.b.Mount(c.self, m)
}

func (c *Container) unmount(id string) {
	if c.b == nil {
		return
	}
	c.b.Remove(id)
}

// ID returns the container's stable identifier.
func (c *Container) ID() string { return c.NodeID() }

// Name returns the container's name.
func (c *Container) Name() string { return c.name }

// SetName renames the container. Whitespace is trimmed; an unchanged name
// is a no-op.
func (c *Container) SetName(name string) {
	name = strings.TrimSpace(name)
	if c.name == name {
		return
	}
	c.name = name
	c.changes |= ChangeName
	c.save()
}

// LastUpdated returns the last mutation or save timestamp.
func (c *Container) LastUpdated() time.Time { return c.lastUpdated }

// Len returns the number of messages.
func (c *Container) Len() int { return len(c.messages) }

// Messages returns the messages in order. The slice is a copy; the messages
// are not.
func (c *Container) Messages() []*Message {
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Add appends a message: indexed by id, mounted under the container, saved.
func (c *Container) Add(msg *Message) { c.insert(msg, false) }

// AddPrepend inserts a message at the head.
func (c *Container) AddPrepend(msg *Message) { c.insert(msg, true) }

func (c *Container) insert(msg *Message, prepend bool) {
	if prepend {
		c.messages = append([]*Message{msg}, c.messages...)
	} else {
		c.messages = append(c.messages, msg)
	}
	c.byID[msg.NodeID()] = msg
	c.lastUpdated = time.Now().UTC()
	c.mount(msg)
	c.changes |= ChangeMessages
	c.loaded = true
	c.save()
}

// Get returns the message with the given id, nil when unknown.
func (c *Container) Get(id string) *Message { return c.byID[id] }

// Set replaces the message at the given id, keeping the index and ordered
// list consistent. An unknown id appends instead.
func (c *Container) Set(id string, msg *Message) {
	for i, m := range c.messages {
		if m.NodeID() != id {
			continue
		}
		delete(c.byID, id)
		c.byID[msg.NodeID()] = msg
		c.messages[i] = msg
		c.lastUpdated = time.Now().UTC()
		c.unmount(id)
		c.mount(msg)
		c.changes |= ChangeMessages
		c.save()
		return
	}
	c.Add(msg)
}

// Remove deletes the message with the given id and announces the deletion.
// Unknown ids are a no-op.
func (c *Container) Remove(id string) {
	msg, ok := c.byID[id]
	if !ok {
		return
	}
	c.post(&ChatMessageDeleted{ContainerID: c.NodeID(), MessageID: id})
	delete(c.byID, id)
	for i, m := range c.messages {
		if m.NodeID() == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			break
		}
	}
	c.lastUpdated = time.Now().UTC()
	c.unmount(id)
	if msg.Role == RoleSystem {
		c.changes |= ChangeSystemPrompt
	}
	c.changes |= ChangeMessages
	c.save()
}

// SystemPrompt returns the system message, which can only occupy index 0.
func (c *Container) SystemPrompt() *Message {
	if len(c.messages) > 0 && c.messages[0].Role == RoleSystem {
		return c.messages[0]
	}
	return nil
}

// SetSystemPrompt updates the system message in place, inserts one at the
// head if absent, or removes it when content is empty. Identical content is
// a no-op: no dirty bit, no notification. Removal announces the deletion so
// dependent views retract any rendered element.
func (c *Container) SetSystemPrompt(content string) {
	if content == "" {
		if len(c.messages) == 0 || c.messages[0].Role != RoleSystem {
			return
		}
		msg := c.messages[0]
		c.messages = c.messages[1:]
		delete(c.byID, msg.NodeID())
		c.lastUpdated = time.Now().UTC()
		c.changes |= ChangeMessages | ChangeSystemPrompt
		c.save()
		c.post(&ChatMessageDeleted{ContainerID: c.NodeID(), MessageID: msg.NodeID()})
		c.unmount(msg.NodeID())
		return
	}

	if msg := c.SystemPrompt(); msg != nil {
		if msg.Content == content {
			return
		}
		msg.Content = content
		c.lastUpdated = time.Now().UTC()
		c.changes |= ChangeMessages | ChangeSystemPrompt
		c.save()
		return
	}

	c.AddPrepend(NewMessage(RoleSystem, content))
}

// Batch runs fn with per-mutation saving suspended, then performs exactly
// one save carrying the union of all changed categories. The flag is
// restored (and the save still runs) when fn panics.
func (c *Container) Batch(fn func()) {
	c.batching = true
	defer func() {
		c.batching = false
		c.save()
	}()
	fn()
}

// IsDirty reports whether any tracked category changed since the last save.
func (c *Container) IsDirty() bool { return c.changes != 0 }

// Changes returns the pending change categories.
func (c *Container) Changes() Change { return c.changes }

// ClearChanges resets dirty state.
func (c *Container) ClearChanges() { c.changes = 0 }

// markChanged records categories without saving; the caller decides when
// the save pass runs.
func (c *Container) markChanged(ch Change) { c.changes |= ch }

// IsLoaded reports whether the messages have been hydrated.
func (c *Container) IsLoaded() bool { return c.loaded }

// Unload drops the hydrated messages so the next access rereads the file.
func (c *Container) Unload() {
	for _, m := range c.messages {
		c.unmount(m.NodeID())
	}
	c.messages = nil
	c.byID = make(map[string]*Message)
	c.loaded = false
}

// ClearMessages empties the container and marks the messages category.
func (c *Container) ClearMessages() {
	for _, m := range c.messages {
		c.unmount(m.NodeID())
	}
	c.messages = nil
	c.byID = make(map[string]*Message)
	c.changes |= ChangeMessages
}

// FirstUserMessage returns the first user message, nil when absent.
func (c *Container) FirstUserMessage() *Message {
	for _, m := range c.messages {
		if m.Role == RoleUser {
			return m
		}
	}
	return nil
}

// FirstAssistantMessage returns the first assistant message, nil when absent.
func (c *Container) FirstAssistantMessage() *Message {
	for _, m := range c.messages {
		if m.Role == RoleAssistant {
			return m
		}
	}
	return nil
}

// LastUserMessage returns the tail message only when it is user-authored.
func (c *Container) LastUserMessage() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	if m := c.messages[len(c.messages)-1]; m.Role == RoleUser {
		return m
	}
	return nil
}

// ContextLength returns the total content length across messages.
func (c *Container) ContextLength() int {
	total := 0
	for _, m := range c.messages {
		total += len(m.Content)
	}
	return total
}

func (c *Container) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.name)
	for _, m := range c.messages {
		b.WriteString(m.String())
	}
	return b.String()
}

// ExportMarkdown writes the conversation as a markdown document. Returns
// false instead of an error on I/O failure.
func (c *Container) ExportMarkdown(path string) bool {
	if err := os.WriteFile(path, []byte(c.String()), 0644); err != nil {
		logging.ChatError("failed to export %s: %v", c.NodeID(), err)
		return false
	}
	return true
}

// parseTimestamp reads a persisted last_updated value, falling back to now
// for documents with a missing or mangled stamp.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
