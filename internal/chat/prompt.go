package chat

import (
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"time"

	"llamaterm/internal/bus"
	"llamaterm/internal/logging"
)

// Prompt is a reusable conversation template. Unlike a session it has no
// provider binding; its messages are stamped into a new session when used.
type Prompt struct {
	Container

	description  string
	submitOnLoad bool
	source       string
}

func newPrompt(d Deps, id, name, description string, msgs []*Message, submitOnLoad bool, lastUpdated time.Time, source string) *Prompt {
	p := &Prompt{
		Container:    newContainer(d.Bus, d.Prompts, id, name, msgs, lastUpdated),
		description:  description,
		submitOnLoad: submitOnLoad,
		source:       source,
	}
	p.bind(p, p.save)
	p.mountMessages()
	return p
}

// promptDoc is the wire form of a prompt document.
type promptDoc struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	LastUpdated  string     `json:"last_updated"`
	SubmitOnLoad bool       `json:"submit_on_load"`
	Source       string     `json:"source,omitempty"`
	Messages     []*Message `json:"messages"`
}

func parsePromptDoc(data []byte) (*promptDoc, error) {
	var doc promptDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, errors.New("prompt document missing id")
	}
	return &doc, nil
}

// promptFromDoc builds a metadata-only prompt; messages stay on disk until
// Load.
func promptFromDoc(d Deps, doc *promptDoc) *Prompt {
	return newPrompt(d, doc.ID, doc.Name, doc.Description, nil, doc.SubmitOnLoad, parseTimestamp(doc.LastUpdated), doc.Source)
}

func (p *Prompt) MarshalJSON() ([]byte, error) {
	msgs := p.messages
	if msgs == nil {
		msgs = []*Message{}
	}
	return json.Marshal(promptDoc{
		ID:           p.NodeID(),
		Name:         p.name,
		Description:  p.description,
		LastUpdated:  p.lastUpdated.Format(time.RFC3339Nano),
		SubmitOnLoad: p.submitOnLoad,
		Source:       p.source,
		Messages:     msgs,
	})
}

// applyDoc overwrites metadata from an on-disk document without marking
// dirt, and drops hydrated messages so the next Load rereads the file.
func (p *Prompt) applyDoc(doc *promptDoc) {
	p.name = doc.Name
	p.description = doc.Description
	p.submitOnLoad = doc.SubmitOnLoad
	p.source = doc.Source
	p.lastUpdated = parseTimestamp(doc.LastUpdated)
	if p.loaded {
		p.Unload()
	}
}

// Description returns the prompt description.
func (p *Prompt) Description() string { return p.description }

// SubmitOnLoad reports whether the prompt submits immediately when loaded
// into a session.
func (p *Prompt) SubmitOnLoad() bool { return p.submitOnLoad }

// Source names where an imported prompt came from, empty for local ones.
func (p *Prompt) Source() string { return p.source }

// SetDescription updates the description. Whitespace is trimmed; an
// unchanged value is a no-op.
func (p *Prompt) SetDescription(description string) {
	description = strings.TrimSpace(description)
	if p.description == description {
		return
	}
	p.description = description
	p.changes |= ChangeDescription
	p.save()
}

// SetSubmitOnLoad updates the submit-on-load flag; unchanged is a no-op.
func (p *Prompt) SetSubmitOnLoad(v bool) {
	if p.submitOnLoad == v {
		return
	}
	p.submitOnLoad = v
	p.changes |= ChangeSubmitOnLoad
	p.save()
}

// IsValid reports whether the prompt can be persisted. Only a name is
// required; the message minimum is enforced by the save gate so a template
// being assembled can exist empty in memory.
func (p *Prompt) IsValid() bool { return len(p.name) > 0 }

// Delete requests removal through the manager.
func (p *Prompt) Delete() {
	p.post(&PromptDelete{PromptID: p.ID()})
}

// Load hydrates messages from the prompt document. Prompts stay unloaded
// until something needs their body; listings only use metadata.
func (p *Prompt) Load() {
	if p.loaded {
		return
	}
	p.batching = true
	defer func() { p.batching = false }()

	data, err := p.docs.Read(p.ID())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.ChatError("failed to load prompt %s: %v", p.ID(), err)
		}
		return
	}
	doc, err := parsePromptDoc(data)
	if err != nil {
		logging.ChatError("failed to parse prompt %s: %v", p.ID(), err)
		return
	}
	p.ClearMessages()
	for _, m := range doc.Messages {
		p.Add(m)
	}
	// Each Add restamps last_updated; on hydration the document's own
	// stamp wins.
	p.lastUpdated = parseTimestamp(doc.LastUpdated)
	p.loaded = true
}

// save runs the prompt's persistence gate: notify first, then write only
// when the prompt is valid and has at least one message.
func (p *Prompt) save() bool {
	if p.batching {
		return false
	}
	if !p.loaded {
		p.Load()
	}
	if !p.IsDirty() {
		return false
	}

	p.lastUpdated = time.Now().UTC()

	p.post(&PromptUpdated{PromptID: p.ID(), Changes: p.changes & promptNotifyMask})

	p.ClearChanges()

	if !p.IsValid() || p.Len() == 0 {
		return false
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		logging.ChatError("failed to marshal prompt %s: %v", p.ID(), err)
		return false
	}
	return p.docs.Write(p.ID(), data) == nil
}

// Clone deep-copies the prompt, with the same id (edit buffer: commit by
// saving over the original, cancel by dropping the copy) or a fresh one
// (promote to a new prompt). Message ids are preserved either way so an
// edit buffer lines up with what it copied. The clone is detached from the
// bus until the manager adopts it.
func (p *Prompt) Clone(keepID bool) *Prompt {
	id := p.ID()
	if !keepID {
		id = bus.NewID()
	}
	msgs := make([]*Message, 0, len(p.messages))
	for _, m := range p.messages {
		msgs = append(msgs, m.Clone(true))
	}
	c := &Prompt{
		Container:    newContainer(nil, p.docs, id, p.name, msgs, p.lastUpdated),
		description:  p.description,
		submitOnLoad: p.submitOnLoad,
		source:       p.source,
	}
	c.bind(c, c.save)
	return c
}

// ReplaceMessages swaps the full message list in one batch, saving once.
func (p *Prompt) ReplaceMessages(msgs []*Message) {
	p.Batch(func() {
		p.ClearMessages()
		for _, m := range msgs {
			p.Add(m)
		}
	})
}
