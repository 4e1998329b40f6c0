package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"llamaterm/internal/bus"
	"llamaterm/internal/llm"
	"llamaterm/internal/logging"
	"llamaterm/internal/store"
)

// hydrateConcurrency bounds how many documents are parsed at once.
const hydrateConcurrency = 8

// Manager is the registry of live sessions and prompts. It sits at the top
// of the entity tree: sessions and prompts mount under it, so their events
// bubble here, and whatever its handlers do not stop is forwarded to the
// notification sink.
type Manager struct {
	bus.NodeBase

	d Deps

	mu       sync.RWMutex
	sessions map[string]*Session
	prompts  map[string]*Prompt
}

// managerTable routes bubbled engine events to Manager methods. Built once;
// per-event work happens in the methods.
var managerTable = bus.NewTable(nil).
	On(KeySessionUpdated, func(n bus.Node, ev bus.Event) {
		n.(*Manager).onSessionUpdated(ev.(*SessionUpdated))
	}).
	On(KeyPromptUpdated, func(n bus.Node, ev bus.Event) {
		n.(*Manager).onPromptUpdated(ev.(*PromptUpdated))
	}).
	On(KeySessionDelete, func(n bus.Node, ev bus.Event) {
		n.(*Manager).onSessionDelete(ev.(*SessionDelete))
	}).
	On(KeyPromptDelete, func(n bus.Node, ev bus.Event) {
		n.(*Manager).onPromptDelete(ev.(*PromptDelete))
	}).
	On(KeySessionAutoName, func(n bus.Node, ev bus.Event) {
		n.(*Manager).onSessionAutoName(ev.(*SessionAutoName))
	}).
	On(keySessionRenamed, func(n bus.Node, ev bus.Event) {
		n.(*Manager).onSessionRenamed(ev.(*sessionRenamed))
	}).
	On(keyStoreChanged, func(n bus.Node, ev bus.Event) {
		n.(*Manager).onStoreChanged(ev.(*storeChanged))
	})

// NewManager builds and registers the manager on the bus.
func NewManager(d Deps) *Manager {
	if d.Policy == nil {
		d.Policy = &Policy{}
	}
	m := &Manager{
		NodeBase: bus.MakeNodeWithID("chat_manager"),
		d:        d,
		sessions: make(map[string]*Session),
		prompts:  make(map[string]*Prompt),
	}
	d.Bus.Register(m)
	logging.Boot("chat manager registered")
	return m
}

// Handlers returns the manager's dispatch table.
func (m *Manager) Handlers() *bus.Table { return managerTable }

// OnEvent forwards anything no handler stopped to the notification sink.
func (m *Manager) OnEvent(ev bus.Event) {
	if m.d.Sink != nil && !ev.Stopped() {
		m.d.Sink.Notify(ev)
	}
}

func (m *Manager) onSessionUpdated(ev *SessionUpdated) {
	ev.Stop()
	if ev.Changes.Any(ChangeName | ChangeModel | ChangeTemperature) {
		m.notifySessionsChanged()
	}
}

func (m *Manager) onPromptUpdated(ev *PromptUpdated) {
	ev.Stop()
	if ev.Changes.Any(ChangeName | ChangeDescription) {
		m.notifyPromptsChanged()
	}
}

func (m *Manager) onSessionDelete(ev *SessionDelete) {
	ev.Stop()
	m.DeleteSession(ev.SessionID)
}

func (m *Manager) onPromptDelete(ev *PromptDelete) {
	ev.Stop()
	m.DeletePrompt(ev.PromptID)
}

// onSessionAutoName runs the naming call off the dispatcher and carries the
// result back as a sessionRenamed event, so the rename itself happens on
// the dispatch goroutine like every other mutation.
func (m *Manager) onSessionAutoName(ev *SessionAutoName) {
	ev.Stop()
	s := m.GetSession(ev.SessionID, nil)
	if s == nil {
		return
	}
	cfg := s.Config()
	if m.d.Policy.AutoNameModel != "" {
		cfg.Provider = m.d.Policy.AutoNameProvider
		cfg.Model = m.d.Policy.AutoNameModel
	}
	provider, err := m.d.Providers.Get(cfg.Provider)
	if err != nil {
		logging.ChatError("auto name %s: %v", ev.SessionID, err)
		return
	}

	id, text := ev.SessionID, ev.Context
	go func() {
		name, err := llm.SessionName(context.Background(), provider, cfg, text)
		if err != nil {
			logging.ChatError("auto name %s: %v", id, err)
			return
		}
		if name == "" {
			return
		}
		m.d.Bus.Post(m, &sessionRenamed{SessionID: id, Name: name})
	}()
}

func (m *Manager) onSessionRenamed(ev *sessionRenamed) {
	ev.Stop()
	s := m.GetSession(ev.SessionID, nil)
	if s == nil {
		return
	}
	s.SetName(m.UniqueSessionName(ev.Name))
	logging.Chat("session %s auto-named %q", ev.SessionID, s.Name())
}

func (m *Manager) onStoreChanged(ev *storeChanged) {
	ev.Stop()
	if ev.Prompt {
		m.refreshPrompt(ev.ID, ev.Data, ev.Missing)
		return
	}
	m.refreshSession(ev.ID, ev.Data, ev.Missing)
}

func (m *Manager) notifySessionsChanged() { m.d.Bus.Post(m, &SessionListChanged{}) }
func (m *Manager) notifyPromptsChanged()  { m.d.Bus.Post(m, &PromptListChanged{}) }

// NewSession creates a registered session with a de-duplicated name,
// mounted under the manager so its events bubble here.
func (m *Manager) NewSession(name string, cfg llm.Config) *Session {
	m.mu.Lock()
	s := newSession(m.d, "", m.uniqueSessionNameLocked(name), cfg, []*Message{}, time.Time{})
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.d.Bus.Mount(m, s)
	m.notifySessionsChanged()
	logging.Chat("new session %s %q", s.ID(), s.Name())
	return s
}

// NewPrompt creates a registered empty prompt mounted under the manager.
func (m *Manager) NewPrompt(name, description string, submitOnLoad bool) *Prompt {
	p := newPrompt(m.d, "", name, description, []*Message{}, submitOnLoad, time.Time{}, "")
	m.mu.Lock()
	m.prompts[p.ID()] = p
	m.mu.Unlock()

	m.d.Bus.Mount(m, p)
	m.notifyPromptsChanged()
	logging.Chat("new prompt %s %q", p.ID(), p.Name())
	return p
}

// GetSession returns the session with the given id, attaching sub when
// non-nil. Unknown ids return nil.
func (m *Manager) GetSession(id string, sub Notifier) *Session {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s != nil && sub != nil {
		s.Subscribe(sub)
	}
	return s
}

// GetPrompt returns the prompt with the given id, nil when unknown.
func (m *Manager) GetPrompt(id string) *Prompt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prompts[id]
}

// SessionByName returns the first session with the given name, nil when
// absent.
func (m *Manager) SessionByName(name string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionByNameLocked(name)
}

func (m *Manager) sessionByNameLocked(name string) *Session {
	for _, s := range m.sessions {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// PromptByName returns the first prompt whose name matches, ignoring case.
func (m *Manager) PromptByName(name string) *Prompt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.prompts {
		if strings.EqualFold(p.Name(), name) {
			return p
		}
	}
	return nil
}

// UniqueSessionName appends " 1", " 2", … to base until no session carries
// the name.
func (m *Manager) UniqueSessionName(base string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uniqueSessionNameLocked(base)
}

func (m *Manager) uniqueSessionNameLocked(base string) string {
	name := base
	for i := 1; m.sessionByNameLocked(name) != nil; i++ {
		name = fmt.Sprintf("%s %d", base, i)
	}
	return name
}

// Sessions returns the live sessions in no particular order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SortedSessions returns the valid sessions, most recently updated first.
func (m *Manager) SortedSessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.IsValid() {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated().After(out[j].LastUpdated())
	})
	return out
}

// Prompts returns the live prompts in no particular order.
func (m *Manager) Prompts() []*Prompt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Prompt, 0, len(m.prompts))
	for _, p := range m.prompts {
		out = append(out, p)
	}
	return out
}

// SortedPrompts returns the prompts, most recently updated first.
func (m *Manager) SortedPrompts() []*Prompt {
	m.mu.RLock()
	out := make([]*Prompt, 0, len(m.prompts))
	for _, p := range m.prompts {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated().After(out[j].LastUpdated())
	})
	return out
}

// DeleteSession removes the session from the registry, the arena and
// storage. Unknown ids are a no-op.
func (m *Manager) DeleteSession(id string) {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.d.Bus.Remove(id)
	if err := m.d.Chats.Delete(id); err != nil {
		logging.ChatError("failed to delete session %s: %v", id, err)
	}
	m.notifySessionsChanged()
	logging.Chat("deleted session %s", id)
}

// DeletePrompt removes the prompt from the registry, the arena and storage.
// Unknown ids are a no-op.
func (m *Manager) DeletePrompt(id string) {
	m.mu.Lock()
	if _, ok := m.prompts[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.prompts, id)
	m.mu.Unlock()

	m.d.Bus.Remove(id)
	if err := m.d.Prompts.Delete(id); err != nil {
		logging.ChatError("failed to delete prompt %s: %v", id, err)
	}
	m.notifyPromptsChanged()
	logging.Chat("deleted prompt %s", id)
}

// AddPrompt adopts a prompt into the registry, attaching detached clones to
// the bus so their saves announce from then on.
func (m *Manager) AddPrompt(p *Prompt) {
	if p.b == nil {
		p.b = m.d.Bus
		p.mountMessages()
	}
	m.mu.Lock()
	m.prompts[p.ID()] = p
	m.mu.Unlock()

	m.d.Bus.Mount(m, p)
	m.notifyPromptsChanged()
}

// ResetSession re-keys a session for starting over, keeping the registry
// and arena in line with the new id. The old document stays on disk.
func (m *Manager) ResetSession(id, name string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.d.Bus.Remove(id)
	s.reset(name)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.d.Bus.Mount(m, s)
	m.notifySessionsChanged()
	logging.Chat("session %s reset to %s", id, s.ID())
	return s
}

// SessionToPrompt copies a session's conversation into a new prompt. The
// copy is by value with fresh message ids, so later edits on either side
// stay isolated.
func (m *Manager) SessionToPrompt(sessionID string, submitOnLoad bool, name string) *Prompt {
	s := m.GetSession(sessionID, nil)
	if s == nil {
		logging.ChatError("session %s not found", sessionID)
		return nil
	}
	s.Load()
	if name == "" {
		name = s.Name()
	}

	msgs := make([]*Message, 0, s.Len())
	for _, src := range s.Messages() {
		msg := NewMessage(src.Role, src.Content)
		if len(src.Images) > 0 {
			msg.Images = append([]string(nil), src.Images...)
		}
		msgs = append(msgs, msg)
	}
	p := newPrompt(m.d, "", name, "", msgs, submitOnLoad, time.Time{}, "")

	m.mu.Lock()
	m.prompts[p.ID()] = p
	m.mu.Unlock()
	m.d.Bus.Mount(m, p)
	m.notifyPromptsChanged()

	p.markChanged(ChangeMessages)
	p.save()
	return p
}

// PromptToSession copies a prompt's messages into a new session bound to
// the given provider configuration.
func (m *Manager) PromptToSession(promptID string, cfg llm.Config) *Session {
	p := m.GetPrompt(promptID)
	if p == nil {
		logging.ChatError("prompt %s not found", promptID)
		return nil
	}
	p.Load()

	s := m.NewSession(p.Name(), cfg)
	s.Batch(func() {
		for _, msg := range p.Messages() {
			s.Add(msg.Clone(false))
		}
	})
	return s
}

// HydrateSessions indexes every session document, metadata only; message
// bodies stay on disk until first use. Unreadable documents are logged and
// skipped rather than failing the whole scan.
func (m *Manager) HydrateSessions(ctx context.Context) error {
	ids, err := m.d.Chats.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := m.d.Chats.Read(id)
			if err != nil {
				logging.ChatError("failed to read session %s: %v", id, err)
				return nil
			}
			doc, err := parseSessionDoc(data)
			if err != nil {
				logging.ChatError("failed to parse session %s: %v", id, err)
				return nil
			}
			s := sessionFromDoc(m.d, doc)
			m.mu.Lock()
			m.sessions[s.ID()] = s
			m.mu.Unlock()
			m.d.Bus.Mount(m, s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logging.Boot("hydrated %d sessions", len(ids))
	return nil
}

// HydratePrompts indexes every prompt document, metadata only, and
// announces the refreshed listing.
func (m *Manager) HydratePrompts(ctx context.Context) error {
	ids, err := m.d.Prompts.List()
	if err != nil {
		return fmt.Errorf("failed to list prompts: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := m.d.Prompts.Read(id)
			if err != nil {
				logging.ChatError("failed to read prompt %s: %v", id, err)
				return nil
			}
			doc, err := parsePromptDoc(data)
			if err != nil {
				logging.ChatError("failed to parse prompt %s: %v", id, err)
				return nil
			}
			p := promptFromDoc(m.d, doc)
			m.mu.Lock()
			m.prompts[p.ID()] = p
			m.mu.Unlock()
			m.d.Bus.Mount(m, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.notifyPromptsChanged()
	logging.Boot("hydrated %d prompts", len(ids))
	return nil
}

// SyncHistory mirrors the session's completed user→assistant turns into
// the history store. Replayed turns are skipped by the store's idempotent
// insert, so calling this after every send is safe.
func (m *Manager) SyncHistory(sessionID string) error {
	if m.d.History == nil {
		return nil
	}
	s := m.GetSession(sessionID, nil)
	if s == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.Load()

	turn := 0
	var user *Message
	for _, msg := range s.Messages() {
		switch msg.Role {
		case RoleUser:
			user = msg
		case RoleAssistant:
			if user == nil || msg.Content == "" {
				continue
			}
			turn++
			t := store.Turn{
				SessionID:   s.ID(),
				SessionName: s.Name(),
				TurnNumber:  turn,
				Model:       s.Model(),
				UserInput:   user.Content,
				Response:    msg.Content,
			}
			if err := m.d.History.RecordTurn(t); err != nil {
				return err
			}
			user = nil
		}
	}
	return nil
}

// refreshSession reconciles one registry entry with an externally changed
// document. In-memory state wins while generating; known entities are
// updated in place so subscriber sets survive.
func (m *Manager) refreshSession(id string, data []byte, missing bool) {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()

	if s != nil && s.IsGenerating() {
		return
	}

	if missing {
		if s == nil {
			return
		}
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.d.Bus.Remove(id)
		m.notifySessionsChanged()
		logging.Watch("session %s removed from disk", id)
		return
	}

	doc, err := parseSessionDoc(data)
	if err != nil {
		logging.WatchDebug("failed to parse session %s: %v", id, err)
		return
	}

	if s == nil {
		s = sessionFromDoc(m.d, doc)
		m.mu.Lock()
		m.sessions[s.ID()] = s
		m.mu.Unlock()
		m.d.Bus.Mount(m, s)
	} else {
		s.applyDoc(doc)
	}
	m.notifySessionsChanged()
	logging.Watch("session %s refreshed from disk", id)
}

// refreshPrompt is refreshSession for the prompt directory.
func (m *Manager) refreshPrompt(id string, data []byte, missing bool) {
	m.mu.RLock()
	p := m.prompts[id]
	m.mu.RUnlock()

	if missing {
		if p == nil {
			return
		}
		m.mu.Lock()
		delete(m.prompts, id)
		m.mu.Unlock()
		m.d.Bus.Remove(id)
		m.notifyPromptsChanged()
		logging.Watch("prompt %s removed from disk", id)
		return
	}

	doc, err := parsePromptDoc(data)
	if err != nil {
		logging.WatchDebug("failed to parse prompt %s: %v", id, err)
		return
	}

	if p == nil {
		p = promptFromDoc(m.d, doc)
		m.mu.Lock()
		m.prompts[p.ID()] = p
		m.mu.Unlock()
		m.d.Bus.Mount(m, p)
	} else {
		p.applyDoc(doc)
	}
	m.notifyPromptsChanged()
	logging.Watch("prompt %s refreshed from disk", id)
}
