package bus

// Handler processes one event on behalf of a node. Handlers run on the
// dispatch goroutine and may block; they must not be assumed panic-safe by
// callers (the dispatch loop does not recover).
type Handler func(n Node, ev Event)

// Table is a static event-key → handler table for one level of a node type.
// Tables chain base-to-derived: a type's table points at its base type's
// table, and dispatch walks from the most-derived level to the base,
// invoking the handler registered at each level. Registering a second
// handler for the same key at the same level replaces the first.
//
// Tables are built once at package init and never mutated afterward.
type Table struct {
	base    *Table
	entries map[Key]Handler
}

// NewTable creates a handler table chained onto base (nil for a root level).
func NewTable(base *Table) *Table {
	return &Table{base: base, entries: make(map[Key]Handler)}
}

// On registers the handler for key at this level. Chainable.
func (t *Table) On(key Key, h Handler) *Table {
	t.entries[key] = h
	return t
}

// Node is a participant in the event tree.
type Node interface {
	// NodeID returns the node's stable identifier.
	NodeID() string
	// Handlers returns the node type's handler table, nil if it has none.
	Handlers() *Table
	// OnEvent is the catch-all hook, invoked after table handlers for
	// every event delivered to the node.
	OnEvent(ev Event)
}

// NodeBase provides identity and no-op hooks for node types to embed.
type NodeBase struct {
	id string
}

// MakeNode returns a NodeBase with a fresh id.
func MakeNode() NodeBase {
	return NodeBase{id: NewID()}
}

// MakeNodeWithID returns a NodeBase with the given id (deserialized entities
// keep their persisted identity).
func MakeNodeWithID(id string) NodeBase {
	if id == "" {
		id = NewID()
	}
	return NodeBase{id: id}
}

// NodeID returns the node's stable identifier.
func (n NodeBase) NodeID() string { return n.id }

// Handlers returns nil; node types with handlers shadow this.
func (n NodeBase) Handlers() *Table { return nil }

// OnEvent is a no-op; node types with a catch-all shadow this.
func (n NodeBase) OnEvent(Event) {}

// Rekey swaps the node's identity. Used only by entities that re-key
// themselves when reset; the owner must re-register with the bus.
func (n *NodeBase) Rekey(id string) { n.id = id }
