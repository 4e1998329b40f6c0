package chat

import (
	"encoding/json"
	"fmt"

	"llamaterm/internal/bus"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model, carried opaquely on
// assistant messages.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one conversational turn. It is exclusively owned by its
// container: Content grows in place during streaming, and the message is
// mounted as a bus child of the container so its events bubble through it.
type Message struct {
	bus.NodeBase

	Role      Role
	Content   string
	Images    []string
	ToolCalls []ToolCall
}

// NewMessage creates a message with a fresh id.
func NewMessage(role Role, content string) *Message {
	return &Message{NodeBase: bus.MakeNode(), Role: role, Content: content}
}

// Clone returns a value copy. keepID false mints a fresh id; message content
// and attachments are copied either way so mutating one side never shows on
// the other.
func (m *Message) Clone(keepID bool) *Message {
	id := m.NodeID()
	if !keepID {
		id = bus.NewID()
	}
	c := &Message{
		NodeBase:  bus.MakeNodeWithID(id),
		Role:      m.Role,
		Content:   m.Content,
		ToolCalls: m.ToolCalls,
	}
	if m.Images != nil {
		c.Images = append([]string(nil), m.Images...)
	}
	return c
}

func (m *Message) String() string {
	return fmt.Sprintf("## %s\n\n%s\n\n", m.Role, m.Content)
}

// messageDoc is the wire form of a message. LegacyID accepts the field name
// used by pre-1.0 documents.
type messageDoc struct {
	ID        string     `json:"id,omitempty"`
	LegacyID  string     `json:"message_id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageDoc{
		ID:        m.NodeID(),
		Role:      m.Role,
		Content:   m.Content,
		Images:    m.Images,
		ToolCalls: m.ToolCalls,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var doc messageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	id := doc.ID
	if id == "" {
		id = doc.LegacyID
	}
	m.NodeBase = bus.MakeNodeWithID(id)
	m.Role = doc.Role
	m.Content = doc.Content
	m.Images = doc.Images
	m.ToolCalls = doc.ToolCalls
	return nil
}
