// Package llm abstracts the local and remote model backends the chat
// engine streams from. Providers share a single Request/Chunk vocabulary
// so the session layer never sees wire formats.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind identifies an LLM provider backend.
type Kind int

const (
	KindOllama Kind = iota
	KindOpenAI
	KindGemini
)

// String returns the canonical lowercase provider name.
func (k Kind) String() string {
	switch k {
	case KindOllama:
		return "ollama"
	case KindOpenAI:
		return "openai"
	case KindGemini:
		return "gemini"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind resolves a provider name to its Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ollama":
		return KindOllama, nil
	case "openai":
		return KindOpenAI, nil
	case "gemini":
		return KindGemini, nil
	default:
		return 0, fmt.Errorf("unknown provider %q", s)
	}
}

// MarshalJSON encodes the Kind as its provider name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a provider name into a Kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Placeholder model names meaning "nothing selected yet". A container
// configured with one of these is not persistable.
var placeholderModels = map[string]struct{}{
	"":             {},
	"Select.BLANK": {},
	"None":         {},
}

// IsPlaceholderModel reports whether name is a placeholder rather than a
// real model name.
func IsPlaceholderModel(name string) bool {
	_, ok := placeholderModels[name]
	return ok
}

// Config selects the backend and sampling parameters for one conversation.
type Config struct {
	Provider    Kind    `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// IsModelSet reports whether the config names a real model.
func (c Config) IsModelSet() bool {
	return !IsPlaceholderModel(c.Model)
}

// Message is one turn of conversation history handed to a provider.
// Images are base64-encoded payloads attached to the turn.
type Message struct {
	Role    string
	Content string
	Images  []string
}

// Request describes one chat call: the model, the full ordered history,
// and the sampling options.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	NumCtx      int
}

// Usage reports token counts for a completed stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Meta carries backend timing fields reported on a terminal chunk.
type Meta struct {
	CreatedAt          time.Time
	TotalDuration      time.Duration
	LoadDuration       time.Duration
	PromptEvalCount    int
	PromptEvalDuration time.Duration
	EvalCount          int
	EvalDuration       time.Duration
}

// Chunk is one increment of a streamed completion. Usage and Meta are
// populated only on the terminal chunk, and only when the backend
// reports them.
type Chunk struct {
	Content string
	Done    bool
	Usage   *Usage
	Meta    *Meta
}

// Stream yields the chunks of one in-flight completion. Streams are
// single-consumer: Next must not be called concurrently. Next returns
// io.EOF once the stream is exhausted; the caller must Close the stream
// regardless of how iteration ends.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Provider is a chat backend.
type Provider interface {
	// Kind identifies the backend.
	Kind() Kind
	// Stream opens a streaming chat call. The returned Stream must be
	// closed by the caller.
	Stream(ctx context.Context, req Request) (Stream, error)
	// Complete performs a blocking call and returns the full response text.
	Complete(ctx context.Context, req Request) (string, error)
	// ListModels returns the models the backend can currently serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// ModelInfo describes one model a provider can serve. Fields a backend
// does not report are left zero.
type ModelInfo struct {
	Name        string
	Description string
	ModifiedAt  time.Time
	Size        int64
}

// Registry resolves providers by kind. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Kind]Provider)}
}

// Register adds or replaces the provider for its kind.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Get returns the provider registered for kind.
func (r *Registry) Get(kind Kind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %s", kind)
	}
	return p, nil
}

// Kinds returns the registered kinds in ascending order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// withDeadline applies timeout when ctx carries no deadline of its own,
// so a stalled backend is always torn down by the network layer. The
// returned cancel must always be called.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// errorEnvelope matches the error bodies the HTTP backends produce.
// Ollama reports {"error": "text"}; OpenAI-compatible servers report
// {"error": {"message": "text", ...}}.
type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

// ExtractErrorMessage pulls a human-readable message out of a provider
// error. Errors wrapping a JSON error body yield the body's message
// field; anything else yields err.Error() unchanged.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return text
	}
	var env errorEnvelope
	if jsonErr := json.Unmarshal([]byte(text[start:]), &env); jsonErr != nil || len(env.Error) == 0 {
		return text
	}
	var msg string
	if json.Unmarshal(env.Error, &msg) == nil && msg != "" {
		return msg
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return text
}
