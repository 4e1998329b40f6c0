package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"llamaterm/internal/bus"
	"llamaterm/internal/llm"
	"llamaterm/internal/logging"
	"llamaterm/internal/store"
)

// abortSuffix is appended to the assistant message exactly once when a
// generation is stopped mid-stream.
const abortSuffix = "\n\nAborted..."

// Policy carries the engine-wide switches shared by every session.
type Policy struct {
	// NoSaveChat keeps sessions in memory only; the save pass still runs
	// its notification stage.
	NoSaveChat bool
	// AutoNameSession titles a session off its first exchange.
	AutoNameSession bool
	// AutoNameProvider and AutoNameModel pick the naming backend. An empty
	// model falls back to the session's own provider and model.
	AutoNameProvider llm.Kind
	AutoNameModel    string
}

// Deps bundles the collaborators chat entities are built from.
type Deps struct {
	Bus       *bus.Bus
	Chats     *store.Documents
	Prompts   *store.Documents
	Providers *llm.Registry
	Policy    *Policy
	History   *store.History // optional turn mirror
	Sink      Notifier       // receives events that bubble to the manager
}

// Session is a persistent conversation bound to a provider and model. It
// owns the streaming state machine: at most one generation is in flight at
// a time, guarded by the generating flag callers must check.
type Session struct {
	Container

	providers *llm.Registry
	policy    *Policy

	cfg           llm.Config
	nameGenerated bool

	generating atomic.Bool
	abort      atomic.Bool

	stats *llm.TokenStats

	// subsMu guards subs: deletion relays fan out from the dispatcher
	// while attach/detach happen on the caller's goroutine.
	subsMu sync.Mutex
	subs   map[Notifier]struct{}
}

// sessionTable relays message deletions to the session's direct
// subscribers, so a view rendering the conversation retracts the element.
// The event is not stopped; it keeps bubbling to the manager's sink.
var sessionTable = bus.NewTable(nil).
	On(KeyChatMessageDeleted, func(n bus.Node, ev bus.Event) {
		n.(*Session).notifySubs(ev)
	})

func newSession(d Deps, id, name string, cfg llm.Config, msgs []*Message, lastUpdated time.Time) *Session {
	s := &Session{
		Container: newContainer(d.Bus, d.Chats, id, name, msgs, lastUpdated),
		providers: d.Providers,
		policy:    d.Policy,
		cfg:       cfg,
		subs:      make(map[Notifier]struct{}),
	}
	s.bind(s, s.save)
	s.mountMessages()
	return s
}

// sessionDoc is the wire form of a session document.
type sessionDoc struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	LastUpdated string     `json:"last_updated"`
	Provider    llm.Kind   `json:"provider"`
	Model       string     `json:"model"`
	Temperature float64    `json:"temperature"`
	NumCtx      int        `json:"num_ctx,omitempty"`
	Messages    []*Message `json:"messages"`
}

func parseSessionDoc(data []byte) (*sessionDoc, error) {
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, errors.New("session document missing id")
	}
	return &doc, nil
}

func (doc *sessionDoc) config() llm.Config {
	return llm.Config{
		Provider:    doc.Provider,
		Model:       doc.Model,
		Temperature: doc.Temperature,
		NumCtx:      doc.NumCtx,
	}
}

// sessionFromDoc builds a metadata-only session; messages stay on disk
// until first use. Hydrated sessions never request auto-naming again.
func sessionFromDoc(d Deps, doc *sessionDoc) *Session {
	s := newSession(d, doc.ID, doc.Name, doc.config(), nil, parseTimestamp(doc.LastUpdated))
	s.nameGenerated = true
	return s
}

func (s *Session) MarshalJSON() ([]byte, error) {
	msgs := s.messages
	if msgs == nil {
		msgs = []*Message{}
	}
	return json.Marshal(sessionDoc{
		ID:          s.NodeID(),
		Name:        s.name,
		LastUpdated: s.lastUpdated.Format(time.RFC3339Nano),
		Provider:    s.cfg.Provider,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		NumCtx:      s.cfg.NumCtx,
		Messages:    msgs,
	})
}

// applyDoc overwrites metadata from an on-disk document without marking
// dirt, and drops hydrated messages so the next access rereads the file.
func (s *Session) applyDoc(doc *sessionDoc) {
	s.name = doc.Name
	s.cfg = doc.config()
	s.lastUpdated = parseTimestamp(doc.LastUpdated)
	if s.loaded {
		s.Unload()
	}
}

// Config returns a copy of the session's provider configuration.
func (s *Session) Config() llm.Config { return s.cfg }

// Provider returns the session's provider kind.
func (s *Session) Provider() llm.Kind { return s.cfg.Provider }

// Model returns the session's model name.
func (s *Session) Model() string { return s.cfg.Model }

// Temperature returns the sampling temperature.
func (s *Session) Temperature() float64 { return s.cfg.Temperature }

// NumCtx returns the context window override, 0 when unset.
func (s *Session) NumCtx() int { return s.cfg.NumCtx }

// Stats returns the token statistics of the last completed generation, nil
// before the first one or after the model changes.
func (s *Session) Stats() *llm.TokenStats { return s.stats }

// SetProvider switches backends. Changing provider invalidates the model
// choice, so both categories are marked.
func (s *Session) SetProvider(kind llm.Kind) {
	if s.cfg.Provider == kind {
		return
	}
	s.cfg.Provider = kind
	s.stats = nil
	s.changes |= ChangeProvider | ChangeModel
	s.save()
}

// SetModel switches models. Whitespace is trimmed; an unchanged model is a
// no-op.
func (s *Session) SetModel(model string) {
	model = strings.TrimSpace(model)
	if s.cfg.Model == model {
		return
	}
	s.cfg.Model = model
	s.stats = nil
	s.changes |= ChangeModel
	s.save()
}

// SetTemperature sets the sampling temperature.
func (s *Session) SetTemperature(t float64) {
	s.cfg.Temperature = t
	s.changes |= ChangeTemperature
	s.save()
}

// SetNumCtx sets the context window override.
func (s *Session) SetNumCtx(n int) {
	s.cfg.NumCtx = n
	s.changes |= ChangeNumCtx
	s.save()
}

// IsValid reports whether the session can be persisted: it must be named
// and point at a real model, not a placeholder.
func (s *Session) IsValid() bool {
	return len(s.name) > 0 && s.cfg.IsModelSet()
}

// IsGenerating reports whether a generation is in flight.
func (s *Session) IsGenerating() bool { return s.generating.Load() }

// StopGeneration requests that the in-flight generation stop. The flag is
// polled between chunks, so the stream winds down at the next delivery.
func (s *Session) StopGeneration() { s.abort.Store(true) }

// Subscribe attaches a notifier for direct (non-bubbled) fan-out.
func (s *Session) Subscribe(n Notifier) {
	s.subsMu.Lock()
	s.subs[n] = struct{}{}
	s.subsMu.Unlock()
}

// Unsubscribe detaches a notifier. When the last subscriber leaves an
// invalid session, the session asks the manager to delete it.
func (s *Session) Unsubscribe(n Notifier) {
	s.subsMu.Lock()
	delete(s.subs, n)
	empty := len(s.subs) == 0
	s.subsMu.Unlock()
	if empty && !s.IsValid() {
		s.Delete()
	}
}

// NumSubscribers returns the number of attached notifiers.
func (s *Session) NumSubscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

// Delete requests removal through the manager.
func (s *Session) Delete() {
	s.post(&SessionDelete{SessionID: s.ID()})
}

// Handlers returns the session's dispatch table.
func (s *Session) Handlers() *bus.Table { return sessionTable }

func (s *Session) notifySubs(ev bus.Event) {
	s.subsMu.Lock()
	subs := make([]Notifier, 0, len(s.subs))
	for n := range s.subs {
		subs = append(subs, n)
	}
	s.subsMu.Unlock()
	for _, n := range subs {
		n.Notify(ev)
	}
}

// Load hydrates messages from the session document. Missing files leave
// the session unloaded; accumulated dirt is discarded either way, since
// everything Load adds came from disk.
func (s *Session) Load() {
	if s.loaded {
		s.batching = false
		return
	}
	s.batching = true
	defer func() {
		s.batching = false
		s.ClearChanges()
	}()

	s.stats = nil
	data, err := s.docs.Read(s.ID())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.ChatError("failed to load session %s: %v", s.ID(), err)
		}
		return
	}
	doc, err := parseSessionDoc(data)
	if err != nil {
		logging.ChatError("failed to parse session %s: %v", s.ID(), err)
		return
	}
	for _, m := range doc.Messages {
		s.Add(m)
	}
	// Each Add restamps last_updated; on hydration the document's own
	// stamp wins.
	s.lastUpdated = parseTimestamp(doc.LastUpdated)
	s.loaded = true
}

// save runs the persistence gate. Notifications fire while the dirty set is
// known; the write itself comes last so announcement order never depends on
// disk success. Subscribers and the bus both get SessionUpdated even when
// no announced category changed, because the save itself moves last_updated.
func (s *Session) save() bool {
	if s.batching {
		return false
	}
	if !s.loaded {
		s.Load()
	}
	if !s.IsDirty() {
		return false
	}

	s.lastUpdated = time.Now().UTC()

	if s.changes.Any(ChangeSystemPrompt) {
		if sp := s.SystemPrompt(); sp != nil {
			s.notifySubs(&ChatUpdated{ContainerID: s.ID(), MessageID: sp.NodeID()})
		}
	}

	announced := s.changes & sessionNotifyMask
	s.notifySubs(&SessionUpdated{SessionID: s.ID(), Changes: announced})
	s.post(&SessionUpdated{SessionID: s.ID(), Changes: announced})

	s.ClearChanges()

	if s.policy.NoSaveChat {
		return false
	}
	if !s.IsValid() || s.Len() == 0 {
		return false
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		logging.ChatError("failed to marshal session %s: %v", s.ID(), err)
		return false
	}
	return s.docs.Write(s.ID(), data) == nil
}

// history converts the conversation to provider messages.
func (s *Session) history() []llm.Message {
	out := make([]llm.Message, 0, len(s.messages))
	for _, m := range s.messages {
		lm := llm.Message{Role: string(m.Role), Content: m.Content}
		if len(m.Images) > 0 {
			lm.Images = append([]string(nil), m.Images...)
		}
		out = append(out, lm)
	}
	return out
}

// Send runs one full generation turn: append the user message, stream the
// assistant reply into a placeholder, then persist and maybe request an
// auto-generated title. Returns true only when the turn completed without
// abort or error. Callers must check IsGenerating first; Send assumes it
// has the session to itself.
func (s *Session) Send(ctx context.Context, text string) bool {
	s.generating.Store(true)
	defer s.generating.Store(false)

	logging.Chat("session %s: sending to %s/%s", s.ID(), s.cfg.Provider, s.cfg.Model)

	if text != "" {
		user := NewMessage(RoleUser, text)
		s.Add(user)
		s.notifySubs(&ChatUpdated{ContainerID: s.ID(), MessageID: user.NodeID(), Final: true})
		s.post(&ChatUpdated{ContainerID: s.ID(), MessageID: user.NodeID(), Final: true})
		s.save()
	}

	// The request snapshot excludes the placeholder appended below.
	req := llm.Request{
		Model:       s.cfg.Model,
		Messages:    s.history(),
		Temperature: s.cfg.Temperature,
		NumCtx:      s.cfg.NumCtx,
	}

	reply := NewMessage(RoleAssistant, "")
	s.Add(reply)
	s.notifySubs(&ChatUpdated{ContainerID: s.ID(), MessageID: reply.NodeID()})
	s.post(&ChatUpdated{ContainerID: s.ID(), MessageID: reply.NodeID()})

	started := time.Now()
	var firstToken time.Time
	timer := logging.StartTimer(logging.CategoryChat, "generate "+s.ID())

	provider, err := s.providers.Get(s.cfg.Provider)
	if err != nil {
		return s.failGeneration(reply, err)
	}
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return s.failGeneration(reply, err)
	}
	defer stream.Close()

	var aborted, failed bool
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.ChatError("session %s: stream error: %v", s.ID(), err)
			reply.Content = strings.TrimSpace(reply.Content + "\n\n" + llm.ExtractErrorMessage(err))
			failed = true
			break
		}

		if chunk.Content != "" {
			if firstToken.IsZero() {
				firstToken = time.Now()
			}
			reply.Content += chunk.Content
		}

		if s.abort.Load() {
			aborted = true
			reply.Content += abortSuffix
			s.notifySubs(&GenerationAborted{SessionID: s.ID()})
			stream.Close()
			s.abort.Store(false)
			break
		}

		if chunk.Usage != nil || chunk.Meta != nil {
			s.stats = llm.StatsFromChunk(s.cfg.Model, started, firstToken, chunk)
		}

		final := chunk.Done || chunk.Content == ""
		s.notifySubs(&ChatUpdated{ContainerID: s.ID(), MessageID: reply.NodeID(), Final: final})
		s.post(&ChatUpdated{ContainerID: s.ID(), MessageID: reply.NodeID(), Final: final})
	}
	timer.Stop()

	s.markChanged(ChangeMessages)
	s.save()

	if !aborted && !failed && s.policy.AutoNameSession && !s.nameGenerated {
		s.nameGenerated = true
		user, assistant := s.FirstUserMessage(), s.FirstAssistantMessage()
		if user != nil && assistant != nil && user.Content != "" && assistant.Content != "" {
			logging.ChatDebug("session %s: requesting auto name", s.ID())
			s.post(&SessionAutoName{
				SessionID: s.ID(),
				Context:   fmt.Sprintf("#USER\n%s\n\n#ASSISTANT\n%s", user.Content, assistant.Content),
			})
		}
	}

	return !aborted && !failed
}

// failGeneration lands a request-level error in the placeholder message,
// announces it as the turn's terminal update to subscribers and the bus,
// and reports the turn as failed.
func (s *Session) failGeneration(reply *Message, err error) bool {
	logging.ChatError("session %s: %v", s.ID(), err)
	reply.Content = strings.TrimSpace(reply.Content + "\n\n" + llm.ExtractErrorMessage(err))
	s.markChanged(ChangeMessages)
	s.save()
	s.notifySubs(&ChatUpdated{ContainerID: s.ID(), MessageID: reply.NodeID(), Final: true})
	s.post(&ChatUpdated{ContainerID: s.ID(), MessageID: reply.NodeID(), Final: true})
	return false
}

// reset re-keys the session for starting over. The manager owns arena and
// registry bookkeeping around this call.
func (s *Session) reset(name string) {
	s.batching = true
	s.Rekey(bus.NewID())
	s.name = name
	s.nameGenerated = false
	s.messages = nil
	s.byID = make(map[string]*Message)
	s.ClearChanges()
	s.loaded = false
	s.stats = nil
	s.batching = false
}
