package bus

import (
	"fmt"
	"sync"

	"llamaterm/internal/logging"
)

type nodeEntry struct {
	node     Node
	parent   string
	children []string
}

type delivery struct {
	target string
	ev     Event
}

// Bus owns the node arena and the dispatch queue. Post schedules
// asynchronous delivery; a single dispatcher goroutine drains the queue in
// FIFO order, so delivery order matches post order across the whole bus.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	nodes  map[string]*nodeEntry
	queue  []delivery
	busy   bool
	closed bool
	done   chan struct{}
}

// New creates a Bus and starts its dispatcher.
func New() *Bus {
	b := &Bus{
		nodes: make(map[string]*nodeEntry),
		done:  make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Register adds a parentless node to the arena. Mount and Post register
// unknown nodes implicitly; Register exists for roots that want to exist
// before any traffic.
func (b *Bus) Register(n Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(n)
}

// ensure returns the entry for n, creating it if needed. Caller holds mu.
func (b *Bus) ensure(n Node) *nodeEntry {
	e, ok := b.nodes[n.NodeID()]
	if !ok {
		e = &nodeEntry{node: n}
		b.nodes[n.NodeID()] = e
	}
	return e
}

// Mount sets child's parent, the only sanctioned way to link nodes. Panics
// if the child is already mounted or the link would create a cycle; both are
// caller-contract breaches, not runtime conditions.
func (b *Bus) Mount(parent, child Node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.ensure(parent)
	c := b.ensure(child)

	if c.parent != "" {
		panic(fmt.Sprintf("bus: node %s already mounted under %s", child.NodeID(), c.parent))
	}
	for anc := parent.NodeID(); anc != ""; {
		if anc == child.NodeID() {
			panic(fmt.Sprintf("bus: mounting %s under %s would create a cycle", child.NodeID(), parent.NodeID()))
		}
		e, ok := b.nodes[anc]
		if !ok {
			break
		}
		anc = e.parent
	}

	c.parent = parent.NodeID()
	p.children = append(p.children, child.NodeID())
}

// Parent returns the id of the node's parent, "" if parentless or unknown.
func (b *Bus) Parent(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.nodes[id]; ok {
		return e.parent
	}
	return ""
}

// Registered reports whether the node id is in the arena.
func (b *Bus) Registered(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.nodes[id]
	return ok
}

// Remove detaches the node from its parent and removes it and its whole
// subtree from the arena. Unknown ids are a no-op.
func (b *Bus) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.nodes[id]
	if !ok {
		return
	}
	if e.parent != "" {
		if p, ok := b.nodes[e.parent]; ok {
			for i, cid := range p.children {
				if cid == id {
					p.children = append(p.children[:i], p.children[i+1:]...)
					break
				}
			}
		}
	}
	b.removeSubtree(id)
}

// removeSubtree deletes id and its descendants. Caller holds mu.
func (b *Bus) removeSubtree(id string) {
	e, ok := b.nodes[id]
	if !ok {
		return
	}
	for _, cid := range e.children {
		b.removeSubtree(cid)
	}
	delete(b.nodes, id)
}

// Post stamps the event with the sender and schedules delivery to the
// sender itself (handlers, catch-all, then bubbling). Non-blocking; the
// queue is unbounded. Posting on a closed bus drops the event, as does a
// delivery whose target has left the arena by the time it is dequeued.
func (b *Bus) Post(from Node, ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ev.stamp(from.NodeID())
	b.queue = append(b.queue, delivery{target: from.NodeID(), ev: ev})
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Drain blocks until every queued event has been fully delivered.
func (b *Bus) Drain() {
	b.mu.Lock()
	for len(b.queue) > 0 || b.busy {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Close drains the queue and stops the dispatcher. The bus accepts no
// posts afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			close(b.done)
			return
		}
		d := b.queue[0]
		b.queue = b.queue[1:]
		b.busy = true
		b.mu.Unlock()

		b.deliver(d)

		b.mu.Lock()
		b.busy = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// deliver dispatches the event at the target node and walks up the parent
// chain while the event keeps bubbling. Handlers run without the bus lock
// held, so they may post and mount freely.
func (b *Bus) deliver(d delivery) {
	target := d.target
	for {
		b.mu.Lock()
		e, ok := b.nodes[target]
		var node Node
		if ok {
			node = e.node
		}
		b.mu.Unlock()
		if !ok {
			// Node removed while the event was in flight.
			logging.Bus("drop %s: node %s gone", d.ev.Key(), target)
			return
		}

		for tbl := node.Handlers(); tbl != nil; tbl = tbl.base {
			if h, found := tbl.entries[d.ev.Key()]; found {
				h(node, d.ev)
			}
		}
		node.OnEvent(d.ev)

		// Parent is resolved after the handlers: one of them may have
		// detached or removed this node.
		parent := b.Parent(target)
		if !d.ev.Bubbles() || d.ev.Stopped() || parent == "" {
			return
		}
		target = parent
	}
}
