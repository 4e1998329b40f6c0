package chat

import "llamaterm/internal/bus"

// Routing keys, resolved once at package init.
var (
	KeyChatUpdated        = bus.NewKey("", "ChatUpdated")
	KeyChatMessageDeleted = bus.NewKey("", "ChatMessageDeleted")
	KeySessionUpdated     = bus.NewKey("", "SessionUpdated")
	KeyPromptUpdated      = bus.NewKey("", "PromptUpdated")
	KeySessionDelete      = bus.NewKey("", "SessionDelete")
	KeyPromptDelete       = bus.NewKey("", "PromptDelete")
	KeySessionAutoName    = bus.NewKey("", "SessionAutoName")
	KeyGenerationAborted  = bus.NewKey("", "GenerationAborted")
	KeySessionListChanged = bus.NewKey("", "SessionListChanged")
	KeyPromptListChanged  = bus.NewKey("", "PromptListChanged")
	keySessionRenamed     = bus.NewKey("", "SessionRenamed")
	keyStoreChanged       = bus.NewKey("", "StoreChanged")
)

// ChatUpdated announces that a message changed: appended, streamed into, or
// edited. Final is true on the terminal update of a generation.
type ChatUpdated struct {
	bus.BaseEvent
	ContainerID string
	MessageID   string
	Final       bool
}

func (*ChatUpdated) Key() bus.Key { return KeyChatUpdated }

// ChatMessageDeleted announces that a message was removed from a container.
type ChatMessageDeleted struct {
	bus.BaseEvent
	ContainerID string
	MessageID   string
}

func (*ChatMessageDeleted) Key() bus.Key { return KeyChatMessageDeleted }

// SessionUpdated announces changed session categories after a save pass.
type SessionUpdated struct {
	bus.BaseEvent
	SessionID string
	Changes   Change
}

func (*SessionUpdated) Key() bus.Key { return KeySessionUpdated }

// PromptUpdated announces changed prompt categories after a save pass.
type PromptUpdated struct {
	bus.BaseEvent
	PromptID string
	Changes  Change
}

func (*PromptUpdated) Key() bus.Key { return KeyPromptUpdated }

// SessionDelete requests removal of a session; only the Manager acts on it.
type SessionDelete struct {
	bus.BaseEvent
	SessionID string
}

func (*SessionDelete) Key() bus.Key { return KeySessionDelete }

// PromptDelete requests removal of a prompt; only the Manager acts on it.
type PromptDelete struct {
	bus.BaseEvent
	PromptID string
}

func (*PromptDelete) Key() bus.Key { return KeyPromptDelete }

// SessionAutoName requests an LLM-generated title for a session. Context
// carries the first user and assistant turns.
type SessionAutoName struct {
	bus.BaseEvent
	SessionID string
	Context   string
}

func (*SessionAutoName) Key() bus.Key { return KeySessionAutoName }

// GenerationAborted tells subscribers a generation stopped on request.
type GenerationAborted struct {
	bus.BaseEvent
	SessionID string
}

func (*GenerationAborted) Key() bus.Key { return KeyGenerationAborted }

// SessionListChanged tells the sink the set of sessions (or their listed
// fields) changed.
type SessionListChanged struct {
	bus.BaseEvent
}

func (*SessionListChanged) Key() bus.Key { return KeySessionListChanged }

// PromptListChanged tells the sink the set of prompts changed.
type PromptListChanged struct {
	bus.BaseEvent
}

func (*PromptListChanged) Key() bus.Key { return KeyPromptListChanged }

// sessionRenamed carries a generated title back onto the dispatch goroutine,
// where the Manager applies it with de-duplication.
type sessionRenamed struct {
	bus.BaseEvent
	SessionID string
	Name      string
}

func (*sessionRenamed) Key() bus.Key { return keySessionRenamed }

// storeChanged carries an external document change onto the dispatch
// goroutine, where the Manager reconciles the registry. The watcher reads
// the file and ships the bytes; it never touches entity state itself.
type storeChanged struct {
	bus.BaseEvent
	ID      string
	Prompt  bool // prompt directory rather than chat
	Data    []byte
	Missing bool // the document was deleted
}

func (*storeChanged) Key() bus.Key { return keyStoreChanged }
