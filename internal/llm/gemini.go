package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"llamaterm/internal/logging"
)

// GeminiClient implements Provider for Google Gemini via the genai SDK.
type GeminiClient struct {
	client  *genai.Client
	timeout time.Duration
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey  string
	Timeout time.Duration
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{client: client, timeout: config.Timeout}, nil
}

// Kind identifies the backend.
func (c *GeminiClient) Kind() Kind { return KindGemini }

// decodeImage strips an optional data-URL prefix and decodes the base64
// payload, sniffing the media type from the bytes.
func decodeImage(b64 string) ([]byte, string, error) {
	s := b64
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", err
	}
	return raw, http.DetectContentType(raw), nil
}

// geminiContents converts history into genai contents. System turns are
// lifted out and concatenated into the system instruction; assistant
// turns map to the model role.
func geminiContents(msgs []Message) ([]*genai.Content, string) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		if len(m.Images) == 0 {
			contents = append(contents, genai.NewContentFromText(m.Content, role))
			continue
		}
		parts := make([]*genai.Part, 0, len(m.Images)+1)
		parts = append(parts, genai.NewPartFromText(m.Content))
		for _, img := range m.Images {
			raw, mime, err := decodeImage(img)
			if err != nil {
				logging.ProviderDebug("[Gemini] skipping undecodable image attachment: %v", err)
				continue
			}
			parts = append(parts, genai.NewPartFromBytes(raw, mime))
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, strings.Join(system, "\n\n")
}

func geminiGenConfig(req Request, system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return cfg
}

func geminiUsage(md *genai.GenerateContentResponseUsageMetadata) *Usage {
	if md == nil {
		return nil
	}
	return &Usage{
		InputTokens:  int(md.PromptTokenCount),
		OutputTokens: int(md.CandidatesTokenCount),
		TotalTokens:  int(md.TotalTokenCount),
	}
}

// Stream opens a streaming generate call. The SDK exposes a push
// iterator, so a goroutine pumps it into a channel the Stream pulls
// from; Close cancels the iteration.
func (c *GeminiClient) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)

	contents, system := geminiContents(req.Messages)
	cfg := geminiGenConfig(req, system)

	logging.ProviderDebug("[Gemini] Stream: model=%s messages=%d", req.Model, len(req.Messages))

	chunks := make(chan Chunk, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		var usage *Usage
		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				errc <- fmt.Errorf("generate stream failed: %w", err)
				return
			}
			if u := geminiUsage(resp.UsageMetadata); u != nil {
				usage = u
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case chunks <- Chunk{Content: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case chunks <- Chunk{Done: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()

	return &geminiStream{chunks: chunks, errc: errc, cancel: cancel}, nil
}

type geminiStream struct {
	chunks    <-chan Chunk
	errc      <-chan error
	cancel    context.CancelFunc
	done      bool
	closeOnce sync.Once
}

func (s *geminiStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	ch, ok := <-s.chunks
	if !ok {
		s.done = true
		select {
		case err := <-s.errc:
			return Chunk{}, err
		default:
		}
		return Chunk{}, io.EOF
	}
	if ch.Done {
		s.done = true
	}
	return ch, nil
}

func (s *geminiStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// Complete performs a blocking generate call.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	contents, system := geminiContents(req.Messages)
	cfg := geminiGenConfig(req, system)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("generate failed: %w", err)
	}

	text := resp.Text()
	logging.Provider("[Gemini] Complete: model=%s took=%v response_len=%d", req.Model, time.Since(start), len(text))
	return text, nil
}

// ListModels returns the models the API serves for this key.
func (c *GeminiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	var models []ModelInfo
	for m, err := range c.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("list models failed: %w", err)
		}
		models = append(models, ModelInfo{Name: m.Name, Description: m.Description})
	}
	return models, nil
}
